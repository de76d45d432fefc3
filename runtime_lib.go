package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const ortVersion = "1.20.0"

// libraryName is the ONNX Runtime shared library file for this platform.
func libraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return fmt.Sprintf("libonnxruntime.%s.dylib", ortVersion)
	case "windows":
		return "onnxruntime.dll"
	default:
		return fmt.Sprintf("libonnxruntime.so.%s", ortVersion)
	}
}

// resolveLibrary finds the runtime library in dir, falling back to ./lib.
func resolveLibrary(dir string) (string, error) {
	if dir == "" {
		dir = "lib"
	}
	libPath, err := filepath.Abs(filepath.Join(dir, libraryName()))
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(libPath); err != nil {
		return "", fmt.Errorf("onnx runtime library: %w", err)
	}
	return libPath, nil
}

// resolveModels turns model paths into absolute paths and checks they exist.
func resolveModels(paths ...string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(filepath.Clean(p))
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for model: %w", err)
		}
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			return nil, fmt.Errorf("model file not found: %s", abs)
		}
		out = append(out, abs)
	}
	return out, nil
}
