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
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	resolvConfFile     = "/etc/resolv.conf"
	resolvConfHeadFile = "/etc/resolv.conf.head"
	backupSuffix       = ".lingti.backup"
)

// systemDNS replaces the resolver configuration files and puts the originals back on restore.
type systemDNS struct {
	files   []string
	applied []string
}

func newSystemDNS(files ...string) *systemDNS {
	if len(files) == 0 {
		files = []string{resolvConfFile, resolvConfHeadFile}
	}
	return &systemDNS{files: files}
}

func backupPath(original string) string {
	return filepath.Join(filepath.Dir(original), filepath.Base(original)+backupSuffix)
}

const settingHeader = "# Lingti DNS setting\n"

// Set points every managed file at server. Files replaced before a failure stay applied; call Restore.
func (d *systemDNS) Set(server string) error {
	setting := []byte(settingHeader + "# The original file has been renamed with suffix " + backupSuffix + "\nnameserver " + server + "\n")
	for _, file := range d.files {
		if err := d.backupAndWrite(file, setting); err != nil {
			return err
		}
	}
	return nil
}

func (d *systemDNS) backupAndWrite(original string, data []byte) error {
	backup := backupPath(original)
	if err := recoverStale(original, backup); err != nil {
		return err
	}
	if _, err := os.Stat(original); err == nil {
		if err := os.Rename(original, backup); err != nil {
			return fmt.Errorf("failed to back up DNS config file '%s' to '%s': %w", original, backup, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check DNS config file '%s': %w", original, err)
	}
	d.applied = append(d.applied, original)
	if err := os.WriteFile(original, data, 0o644); err != nil {
		return fmt.Errorf("failed to write DNS config file '%s': %w", original, err)
	}
	return nil
}

// recoverStale undoes the changes of a session that ended without Restore, so the backup about to be taken is the
// user's file and not ours.
func recoverStale(original, backup string) error {
	_, err := os.Stat(backup)
	switch {
	case err == nil:
		slog.Warn("restoring DNS config left over by an earlier session", "file", original)
		if err := os.Rename(backup, original); err != nil {
			return fmt.Errorf("failed to restore stale DNS config from '%s' to '%s': %w", backup, original, err)
		}
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("failed to check backup '%s': %w", backup, err)
	}
	data, err := os.ReadFile(original)
	if err != nil || !bytes.HasPrefix(data, []byte(settingHeader)) {
		return nil
	}
	slog.Warn("removing DNS config left over by an earlier session", "file", original)
	if err := os.Remove(original); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale DNS config file '%s': %w", original, err)
	}
	return nil
}

// Restore puts the original files back. Files that did not exist before are removed.
func (d *systemDNS) Restore() error {
	var errs error
	for _, original := range d.applied {
		backup := backupPath(original)
		if _, err := os.Stat(backup); err == nil {
			if err := os.Rename(backup, original); err != nil {
				errs = errors.Join(errs, fmt.Errorf("failed to restore DNS config from '%s' to '%s': %w", backup, original, err))
				continue
			}
			slog.Info("DNS config restored", "file", original)
		} else if errors.Is(err, os.ErrNotExist) {
			if err := os.Remove(original); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = errors.Join(errs, fmt.Errorf("failed to remove DNS config file '%s': %w", original, err))
				continue
			}
			slog.Info("DNS config removed", "file", original)
		} else {
			errs = errors.Join(errs, fmt.Errorf("failed to check backup '%s': %w", backup, err))
		}
	}
	d.applied = nil
	return errs
}
