package ota

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileFlasher stages the incoming image next to the target path and
// renames it into place on finalize, so the effective image only ever
// changes atomically after full verification.
type FileFlasher struct {
	targetPath string
	expected   int64
	written    int64
	file       *os.File
}

func NewFileFlasher(targetPath string) *FileFlasher {
	return &FileFlasher{targetPath: targetPath}
}

func (f *FileFlasher) stagingPath() string {
	return f.targetPath + ".staging"
}

func (f *FileFlasher) Begin(size int64) error {
	if f.file != nil {
		return errors.New("flash session already open")
	}
	if err := os.MkdirAll(filepath.Dir(f.targetPath), 0o755); err != nil {
		return fmt.Errorf("prepare image directory: %w", err)
	}
	file, err := os.OpenFile(f.stagingPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open staging image: %w", err)
	}
	f.file = file
	f.expected = size
	f.written = 0
	return nil
}

func (f *FileFlasher) Write(p []byte) (int, error) {
	if f.file == nil {
		return 0, errors.New("flash session is not open")
	}
	n, err := f.file.Write(p)
	f.written += int64(n)
	return n, err
}

// Abort cancels the in-flight write and removes the staged bytes.
func (f *FileFlasher) Abort() {
	if f.file == nil {
		return
	}
	f.file.Close()
	f.file = nil
	os.Remove(f.stagingPath())
}

// Finalize syncs and commits the staged image. finished is false when
// fewer bytes arrived than the announced image size.
func (f *FileFlasher) Finalize() (bool, error) {
	if f.file == nil {
		return false, errors.New("flash session is not open")
	}
	if err := f.file.Sync(); err != nil {
		f.Abort()
		return false, fmt.Errorf("sync staged image: %w", err)
	}
	if err := f.file.Close(); err != nil {
		f.file = nil
		os.Remove(f.stagingPath())
		return false, fmt.Errorf("close staged image: %w", err)
	}
	f.file = nil

	if f.expected > 0 && f.written < f.expected {
		os.Remove(f.stagingPath())
		return false, nil
	}
	if err := os.Rename(f.stagingPath(), f.targetPath); err != nil {
		os.Remove(f.stagingPath())
		return false, fmt.Errorf("commit staged image: %w", err)
	}
	return true, nil
}
