// Package artifact hands finished recordings to their destinations: the
// local filesystem via [SaveLocal] and an HTTP endpoint via [Uploader].
//
// Neither handler retries. A failed upload leaves the artifact untouched so
// the caller can fall back to a local save.
package artifact

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/reelmix/internal/capture"
	"github.com/MrWong99/reelmix/pkg/encoding"
)

// extensions maps the container media types reelmix can produce.
var extensions = map[string]string{
	"video/x-matroska": ".mkv",
	"video/mp4":        ".mp4",
	"video/webm":       ".webm",
	"audio/mp4":        ".m4a",
	"audio/webm":       ".weba",
}

// Extension returns the file extension, with leading dot, for d.
func Extension(d encoding.Descriptor) string {
	mt := d.MediaType()
	if ext, ok := extensions[mt]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// FileName derives the on-disk name of a: name (or the session ID when name
// is empty) stripped of any directory part and given the extension matching
// the artifact's MIME type.
func FileName(a capture.Artifact, name string) string {
	name = strings.TrimSpace(filepath.Base(filepath.Clean("/" + name)))
	if name == "" || name == "/" || name == "." {
		name = a.SessionID
	}
	if name == "" {
		name = "recording"
	}
	ext := Extension(a.MIMEType)
	if strings.EqualFold(filepath.Ext(name), ext) {
		return name
	}
	return name + ext
}

// SaveLocal writes a into dir under the caller-chosen name and returns the
// final path. The file appears atomically: data goes to a temporary file in
// dir that is renamed into place once fully written. dir is created if
// missing.
func SaveLocal(a capture.Artifact, dir, name string) (string, error) {
	if len(a.Data) == 0 {
		return "", errors.New("artifact: nothing to save")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: create %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName(a, name))

	tmp, err := os.CreateTemp(dir, ".reelmix-*.part")
	if err != nil {
		return "", fmt.Errorf("artifact: create temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	if _, err := tmp.Write(a.Data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("artifact: write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("artifact: sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("artifact: close %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		cleanup()
		return "", fmt.Errorf("artifact: chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		cleanup()
		return "", fmt.Errorf("artifact: rename into %s: %w", path, err)
	}
	return path, nil
}
