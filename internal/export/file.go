// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/platformbuilds/pmaxcap/internal/capacity"
)

// FileSink writes each snapshot as indented JSON to Path, replacing the
// previous file atomically.
type FileSink struct {
	Path string
}

func (f FileSink) Name() string { return "json-file" }

func (f FileSink) ExportSnapshot(_ context.Context, snap *capacity.Snapshot) error {
	return WriteJSONFile(f.Path, snap)
}

// WriteJSONFile writes snap to path through a temporary file in the same
// directory so readers never see a partial document.
func WriteJSONFile(path string, snap *capacity.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}
