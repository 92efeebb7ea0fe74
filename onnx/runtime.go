package onnx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// candidates lists where the shared library usually lives per OS.
var candidates = map[string][]string{
	"linux": {
		filepath.Join("onnxlibs", "libonnxruntime.so"),
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	},
	"darwin": {
		filepath.Join("onnxlibs", "libonnxruntime.dylib"),
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	},
	"windows": {
		filepath.Join("onnxlibs", "onnxruntime.dll"),
		"onnxruntime.dll",
	},
}

// LibPath picks the ONNX Runtime shared library: the configured path, then
// ONNXRUNTIME_LIB, then the first existing per-OS default.
func LibPath(configured string) string {
	if configured != "" {
		return configured
	}
	if p := os.Getenv("ONNXRUNTIME_LIB"); p != "" {
		return p
	}
	for _, p := range candidates[runtime.GOOS] {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Init loads the shared library and initializes the runtime environment.
// Pair with Destroy.
func Init(configured string) error {
	path := LibPath(configured)
	if path == "" {
		return errors.New("ONNX Runtime library path could not be determined for this OS, set libonnx in config.toml")
	}
	slog.Info("Using ONNX Runtime library", slog.String("path", path))
	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	return nil
}

func Destroy() {
	if ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			slog.Error("Failed to destroy ONNX Runtime environment", slog.String("error", err.Error()))
		}
	}
}
