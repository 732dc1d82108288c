package run

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	apperrors "github.com/wsforge/wsforge/internal/common/errors"
)

// ReadMeta loads current.json for a user directory. Returns (nil, 0, nil)
// when no run record exists. The returned stamp is the file's mtime in
// epoch milliseconds and doubles as the optimistic-write token.
func ReadMeta(p Paths) (*Meta, int64, error) {
	path := p.MetaFile()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("read run meta: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("stat run meta: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		// A half-written or corrupt record is treated as absent so the
		// engine can overwrite it on the next launch.
		return nil, 0, nil
	}
	return &meta, info.ModTime().UnixMilli(), nil
}

// WriteMeta persists current.json atomically. When expectedStamp is
// non-zero the write only succeeds if the file's mtime still matches;
// a mismatch means a concurrent writer (usually the in-container script)
// got there first and STATE_CONFLICT is returned. force bypasses the
// check entirely.
func WriteMeta(p Paths, meta *Meta, expectedStamp int64, force bool) error {
	path := p.MetaFile()
	if expectedStamp != 0 && !force {
		info, err := os.Stat(path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("stat run meta: %w", err)
		}
		if err == nil && info.ModTime().UnixMilli() != expectedStamp {
			return apperrors.StateConflict("run metadata changed concurrently")
		}
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run meta: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write run meta: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace run meta: %w", err)
	}
	return nil
}

// RemoveMeta deletes current.json and dev.pid. Missing files are fine.
func RemoveMeta(p Paths) error {
	if err := os.Remove(p.MetaFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove run meta: %w", err)
	}
	if err := os.Remove(p.PidFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// ReadPidFile returns the process-group id stored in dev.pid, or 0 when
// the file is absent or unparseable.
func ReadPidFile(p Paths) int64 {
	data, err := os.ReadFile(p.PidFile())
	if err != nil {
		return 0
	}
	var pid int64
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0
	}
	return pid
}
