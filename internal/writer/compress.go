package writer

import (
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// compressFile streams path through zstd into path+".zst" and removes the
// original once the compressed copy is complete. The compressed file is
// written under a temp name and renamed into place.
func compressFile(path string) (string, error) {
	src, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()

	dst := path + ".zst"
	tmp, err := os.CreateTemp(filepath.Dir(path), ".compress-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		cleanup()
		return "", err
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		cleanup()
		return "", err
	}
	if err := enc.Close(); err != nil {
		cleanup()
		return "", err
	}
	if err := tmp.Chmod(0o640); err != nil {
		cleanup()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	// A failed removal leaves both copies; the compressed one is complete.
	if err := os.Remove(path); err != nil {
		return "", err
	}
	return dst, nil
}
