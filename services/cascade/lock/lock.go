// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides a non-blocking advisory file lock used to keep two
// cascade runs from interleaving writes against the same local store.
//
// The lock file records who holds it (pid, owner, time) so that a refused
// caller can report the holder.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName is the lock file created inside the guarded directory.
const FileName = ".cascade.lock"

var (
	// ErrLocked is returned when another process holds the lock.
	ErrLocked = errors.New("lock held by another process")

	// ErrUnsupported is returned on platforms without flock.
	ErrUnsupported = errors.New("file locking not supported on this platform")
)

// Info describes the current holder.
type Info struct {
	PID        int       `json:"pid"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// HeldError carries the holder of a refused lock, when readable.
//
// Stale is set when the recorded pid is no longer running. The lock itself
// is still held (by an inherited descriptor or a process in another pid
// namespace), so the caller is refused either way.
type HeldError struct {
	Path   string
	Holder *Info
	Stale  bool
}

func (e *HeldError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("%s: %v", e.Path, ErrLocked)
	}
	msg := fmt.Sprintf("%s: %v (owner %s, pid %d, since %s)",
		e.Path, ErrLocked, e.Holder.Owner, e.Holder.PID, e.Holder.AcquiredAt.Format(time.RFC3339))
	if e.Stale {
		msg += "; recorded pid is not running"
	}
	return msg
}

func (e *HeldError) Unwrap() error { return ErrLocked }

// FileLock is a held lock. Release it exactly once.
type FileLock struct {
	path string
	file *os.File
	info Info
}

// Acquire takes the lock in dir for owner without blocking.
//
// Description:
//
//	Creates dir if needed, opens dir/.cascade.lock and attempts an
//	exclusive non-blocking flock. On success the holder info is written
//	into the file. The kernel drops the lock when the process exits, so a
//	crashed run never leaves a stale lock behind; the info left in the
//	file is only advisory.
//
// Outputs:
//
//	*FileLock - The held lock.
//	error - *HeldError (matching ErrLocked) when held elsewhere.
func Acquire(dir, owner string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flock(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			held := &HeldError{Path: path}
			held.Holder, _ = ReadInfo(dir)
			if held.Holder != nil {
				held.Stale = !processAlive(held.Holder.PID)
			}
			return nil, held
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	info := Info{PID: os.Getpid(), Owner: owner, AcquiredAt: time.Now().UTC()}
	if err := writeInfo(f, info); err != nil {
		funlock(f)
		f.Close()
		return nil, err
	}
	return &FileLock{path: path, file: f, info: info}, nil
}

// Info returns the holder info written at acquisition.
func (l *FileLock) Info() Info { return l.info }

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// Release clears the holder info and drops the lock.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = l.file.Truncate(0)
	err := funlock(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// ReadInfo reads the holder info in dir. It returns nil without error
// when the file is missing or empty.
func ReadInfo(dir string) (*Info, error) {
	b, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	var info Info
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("parse lock info: %w", err)
	}
	return &info, nil
}

func writeInfo(f *os.File, info Info) error {
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt(b, 0); err != nil {
		return fmt.Errorf("write lock info: %w", err)
	}
	return f.Sync()
}
