// Copyright 2025 The Lingti Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyEnv names the environment variable holding the hex-encoded 32-byte key for sealed config files.
const KeyEnv = "LINGTI_CONFIG_KEY"

// ErrNoKey is returned by [KeyFromEnv] when [KeyEnv] is not set.
var ErrNoKey = errors.New(KeyEnv + " is not set")

// KeyFromEnv reads and decodes the sealing key from [KeyEnv].
func KeyFromEnv() ([]byte, error) {
	text := strings.TrimSpace(os.Getenv(KeyEnv))
	if text == "" {
		return nil, ErrNoKey
	}
	key, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%s is not hex: %w", KeyEnv, err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%s must be %d bytes, got %d", KeyEnv, chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// Seal encrypts a configuration document with XChaCha20-Poly1305. The result is the standard base64 encoding of
// the random nonce followed by the ciphertext, suitable for writing to a text file.
func Seal(plaintext, key []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("invalid key: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unseal reverses [Seal].
func Unseal(text string, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("sealed config is not base64: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed config is truncated")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("sealed config failed authentication")
	}
	return plaintext, nil
}
