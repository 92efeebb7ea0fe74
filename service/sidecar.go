package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SidecarPath is <dir>/<filename without extension>.txt.
func SidecarPath(dir, filename string) (string, error) {
	base := filepath.Base(filename)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if filename == "" || stem == "" || stem == "." || stem == string(filepath.Separator) {
		return "", fmt.Errorf("%w: no filename for tag file", ErrInput)
	}
	return filepath.Join(dir, stem+".txt"), nil
}

// WriteTags replaces the tag file for filename in dir. The file is written
// under a temporary name first so a failed write never leaves a partial file.
func WriteTags(dir, filename, tags string) (string, error) {
	path, err := SidecarPath(dir, filename)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output folder: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create tag file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(tags); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return "", err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
