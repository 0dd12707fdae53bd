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

//go:build windows

package dnsflush

import (
	"context"
	"fmt"

	"golang.org/x/sys/windows"
)

var procDnsFlushResolverCache = windows.NewLazySystemDLL("dnsapi.dll").NewProc("DnsFlushResolverCache")

func flush(ctx context.Context, _ runner) error {
	if err := procDnsFlushResolverCache.Find(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if ok, _, err := procDnsFlushResolverCache.Call(); ok == 0 {
		return fmt.Errorf("DnsFlushResolverCache failed: %w", err)
	}
	return nil
}
