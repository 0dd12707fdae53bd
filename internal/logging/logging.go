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

// Package logging configures the process-wide slog handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

var (
	level   = new(slog.LevelVar)
	setOnce sync.Once
)

// Setup installs a tint handler writing to w as the default logger. Later calls only change the level, so that
// every session of the process logs through the same handler.
func Setup(w io.Writer, l slog.Level) *slog.Logger {
	level.Set(l)
	setOnce.Do(func() {
		slog.SetDefault(New(w, level))
	})
	return slog.Default()
}

// New returns a logger with a tint handler. Colors are used only when w is a terminal.
func New(w io.Writer, l slog.Leveler) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		NoColor: !isTerminal(w),
		Level:   l,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl < slog.LevelDebug {
					return slog.String(a.Key, "TRC")
				}
			}
			return a
		},
	}))
}

// Level returns the level currently set by [Setup].
func Level() slog.Level {
	return level.Level()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
