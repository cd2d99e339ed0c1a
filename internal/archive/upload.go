package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Uploader moves a finished artifact to cold storage under key and returns
// its addressable location. Uploading the same key twice overwrites.
type Uploader interface {
	Upload(ctx context.Context, key, path string) (string, error)
}

// LocalUploader copies artifacts below Dir.
type LocalUploader struct {
	Dir string
}

func (u LocalUploader) Upload(ctx context.Context, key, path string) (string, error) {
	if u.Dir == "" {
		return "", fmt.Errorf("local archive dir not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst, err := filepath.Abs(filepath.Join(u.Dir, filepath.FromSlash(key)))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return dst, nil
}
