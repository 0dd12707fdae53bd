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

// Command clib builds the C library of the tunnel service:
//
//	go build -buildmode=c-shared -o liblingti_sdk.so ./clib
//
// Every string returned by this library is allocated with malloc and must be released with FreeString. Releasing
// a string twice, or releasing memory not returned by this library, is undefined behavior.
package main

// #include <stdlib.h>
import "C"

import (
	"unsafe"

	"github.com/ruilisi/lingti-sdk/sdk"
)

//export StartTun2R
func StartTun2R(configJSON *C.char) C.int {
	if configJSON == nil {
		return C.int(sdk.StartTun2RNull())
	}
	return C.int(sdk.StartTun2R(C.GoString(configJSON)))
}

//export StartTun2RWithConfigFile
func StartTun2RWithConfigFile(configPath *C.char) C.int {
	path := ""
	if configPath != nil {
		path = C.GoString(configPath)
	}
	return C.int(sdk.StartTun2RWithConfigFile(path))
}

//export StopTun2R
func StopTun2R() C.int {
	return C.int(sdk.StopTun2R())
}

//export IsServiceRunning
func IsServiceRunning() C.int {
	if sdk.IsServiceRunning() {
		return 1
	}
	return 0
}

//export GetSDKVersion
func GetSDKVersion() *C.char {
	return C.CString(sdk.GetSDKVersion())
}

//export GetLastErrorMessage
func GetLastErrorMessage() *C.char {
	return C.CString(sdk.GetLastErrorMessage())
}

//export FreeString
func FreeString(s *C.char) {
	C.free(unsafe.Pointer(s))
}

//export GetTrafficStats
func GetTrafficStats(txBytes, rxBytes, txPkts, rxPkts *C.ulonglong) {
	stats := sdk.GetTrafficStats()
	if txBytes != nil {
		*txBytes = C.ulonglong(stats.TxBytes)
	}
	if rxBytes != nil {
		*rxBytes = C.ulonglong(stats.RxBytes)
	}
	if txPkts != nil {
		*txPkts = C.ulonglong(stats.TxPackets)
	}
	if rxPkts != nil {
		*rxPkts = C.ulonglong(stats.RxPackets)
	}
}

//export GetLastPingStats
func GetLastPingStats(routerMs, takeoffMs, landingMs *C.longlong) {
	sample := sdk.GetLastPingStats()
	if routerMs != nil {
		*routerMs = C.longlong(sample.RouterMs)
	}
	if takeoffMs != nil {
		*takeoffMs = C.longlong(sample.TakeoffMs)
	}
	if landingMs != nil {
		*landingMs = C.longlong(sample.LandingMs)
	}
}

//export RunPing
func RunPing() C.int {
	return C.int(sdk.RunPing())
}

//export StopPing
func StopPing() C.int {
	return C.int(sdk.StopPing())
}

//export FlushDNSCache
func FlushDNSCache() C.int {
	return C.int(sdk.FlushDNSCache())
}

//export GetConsoleConfig
func GetConsoleConfig(gateway, mask, ip, dns **C.char) {
	cfg := sdk.GetConsoleConfig()
	export := func(dst **C.char, value *string) {
		if dst == nil {
			return
		}
		if value == nil {
			*dst = nil
			return
		}
		*dst = C.CString(*value)
	}
	export(gateway, cfg.Gateway)
	export(mask, cfg.Mask)
	export(ip, cfg.IP)
	export(dns, cfg.DNS)
}

//export ShutdownTun2R
func ShutdownTun2R() C.int {
	return C.int(sdk.Shutdown())
}

func main() {
	// Required for -buildmode=c-shared.
}
