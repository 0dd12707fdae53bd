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

//go:build linux

package dnsflush

import "context"

// linuxCommands are tried in order; systems run at most one of these caches.
var linuxCommands = []command{
	{"resolvectl", "flush-caches"},
	{"systemd-resolve", "--flush-caches"},
	{"nscd", "-i", "hosts"},
}

func flush(ctx context.Context, run runner) error {
	return runFirst(ctx, run, linuxCommands)
}
