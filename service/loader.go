package service

import (
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// Batch is the output of the folder loader node.
type Batch struct {
	Images    []image.Image
	Filenames []string
	Folder    string
}

// ListImages returns the names of the image files directly inside folder,
// sorted lexicographically. Extensions match case-insensitively.
func ListImages(folder string) ([]string, error) {
	if strings.TrimSpace(folder) == "" {
		return nil, fmt.Errorf("%w: folder path is empty", ErrInput)
	}
	fi, err := os.Stat(folder)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInput, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInput, folder)
	}
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInput, err)
	}
	var names []string
	for _, e := range entries {
		if !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		if !e.Type().IsRegular() {
			// follow symlinks, skip directories named like images
			info, err := os.Stat(filepath.Join(folder, e.Name()))
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

// LoadFolder decodes every image in folder. Files that fail to decode or are
// empty are skipped with a warning.
func LoadFolder(folder string) (*Batch, error) {
	names, err := ListImages(folder)
	if err != nil {
		return nil, err
	}
	b := &Batch{Folder: folder}
	for i, name := range names {
		slog.Debug("Loading image", slog.Int("index", i+1), slog.Int("total", len(names)), slog.String("file", name))
		img, err := openImage(filepath.Join(folder, name))
		if err != nil {
			slog.Warn("Skipping image", slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		if img.Bounds().Empty() {
			slog.Warn("Skipping empty image", slog.String("file", name))
			continue
		}
		b.Images = append(b.Images, img)
		b.Filenames = append(b.Filenames, name)
	}
	slog.Info("Loaded images", slog.Int("count", len(b.Images)), slog.String("folder", folder))
	return b, nil
}

func openImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeImage(f)
}
