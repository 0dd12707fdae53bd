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

package tunnel

import (
	"fmt"
	"log/slog"
	"os"
)

const disableIPv6ProcFile = "/proc/sys/net/ipv6/conf/all/disable_ipv6"

// setIPv6 enables or disables IPv6 through the sysctl file at path and returns the previous setting so the caller
// can restore it.
func setIPv6(path string, enabled bool) (bool, error) {
	value, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read IPv6 config: %w", err)
	}
	if len(value) == 0 || (value[0] != '0' && value[0] != '1') {
		return false, fmt.Errorf("invalid IPv6 config value: %q", value)
	}
	prevEnabled := value[0] == '0'

	if enabled {
		value[0] = '0'
	} else {
		value[0] = '1'
	}
	if err := os.WriteFile(path, value, 0o644); err != nil {
		return prevEnabled, fmt.Errorf("failed to write IPv6 config: %w", err)
	}
	slog.Info("updated global IPv6 support", "enabled", enabled)
	return prevEnabled, nil
}
