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

package dnsflush

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls []string
	fail  map[string]bool
}

func (r *recorder) run(_ context.Context, name string, arg ...string) error {
	r.calls = append(r.calls, name)
	if r.fail[name] {
		return errors.New("exit status 1")
	}
	return nil
}

var testCommands = []command{{"first", "-a"}, {"second"}, {"third", "-b", "c"}}

func TestRunFirst_StopsAtSuccess(t *testing.T) {
	r := &recorder{fail: map[string]bool{"first": true}}
	require.NoError(t, runFirst(context.Background(), r.run, testCommands))
	require.Equal(t, []string{"first", "second"}, r.calls)
}

func TestRunFirst_AllFail(t *testing.T) {
	r := &recorder{fail: map[string]bool{"first": true, "second": true, "third": true}}
	err := runFirst(context.Background(), r.run, testCommands)
	require.ErrorContains(t, err, "third -b c")
	require.Equal(t, []string{"first", "second", "third"}, r.calls)
}

func TestRunFirst_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &recorder{}
	require.ErrorIs(t, runFirst(ctx, r.run, testCommands), context.Canceled)
	require.Empty(t, r.calls)
}

func TestRunAll(t *testing.T) {
	r := &recorder{}
	require.NoError(t, runAll(context.Background(), r.run, testCommands))
	require.Equal(t, []string{"first", "second", "third"}, r.calls)

	r = &recorder{fail: map[string]bool{"second": true}}
	require.ErrorContains(t, runAll(context.Background(), r.run, testCommands), "second")
	require.Equal(t, []string{"first", "second"}, r.calls)
}

func TestExecCommand_Missing(t *testing.T) {
	require.Error(t, execCommand(context.Background(), "lingti-no-such-command"))
}
