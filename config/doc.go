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

/*
Package config parses and validates tunnel configurations.

# Config Format

A configuration is a JSON object:

	{
	  "Mode": "tun_switch",
	  "Server": "relay.example.com:443",
	  "Token": "your-token",
	  "LogLevel": "info",
	  "GameExes": ["game.exe"],
	  "GameID": "YOUR_GAME"
	}

Mode, Server and Token are required. Mode is one of "tun_switch" (only the listed game executables are tunneled) or
"tun_global" (everything is tunneled). GameExes must list at least one executable in "tun_switch" mode; names are
matched case-insensitively. LogLevel is one of trace, debug, info, warn or error, and defaults to info. Unknown keys
are ignored.

[Parse] is a pure function. [LoadFromFile] adds file handling on top of it, including YAML files and files sealed
with [Seal].
*/
package config
