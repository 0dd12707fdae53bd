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

//go:build !linux

package tunnel

import (
	"context"
	"fmt"
	"runtime"

	"github.com/ruilisi/lingti-sdk/config"
	"github.com/ruilisi/lingti-sdk/traffic"
)

type engine struct {
	opts Options
}

// NewEngine returns the engine for this platform.
func NewEngine(opts Options) Engine {
	return &engine{opts: opts.withDefaults()}
}

func (e *engine) Open(context.Context, *config.Config, *traffic.Counter) (Session, error) {
	return nil, &Error{Op: OpAdapter, Err: fmt.Errorf("network adapter unavailable on %s", runtime.GOOS)}
}
