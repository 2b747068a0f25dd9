// Package atomicfile provides functions to read and write files atomically.
package atomicfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// WriteFile writes data to a file named by filename atomically. Readers in other processes see
// either the old contents or the new contents, never a partial write.
func WriteFile(filename string, data []byte, perm os.FileMode) (err error) {
	f, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	if _, err = f.Write(data); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		if err = f.Chmod(perm); err != nil {
			return err
		}
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	// os.Rename will fail on Windows if the target file already exists so we remove it first.
	if runtime.GOOS == "windows" {
		_ = os.Remove(filename)
	}
	return os.Rename(f.Name(), filename)
}

func ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// WriteJSON marshals v and writes it atomically with mode 0600.
func WriteJSON(filename string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(filename), err)
	}
	return WriteFile(filename, data, 0o600)
}

// ReadJSON unmarshals the file into v. It returns false without error if the file does not exist.
func ReadJSON(filename string, v any) (bool, error) {
	data, err := ReadFile(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", filepath.Base(filename), err)
	}
	return true, nil
}

// Remove deletes filename. A missing file is not an error.
func Remove(filename string) error {
	if err := os.Remove(filename); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
