// Package scratch manages the short-lived on-disk copies of request audio.
package scratch

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

const DefaultExtension = ".mp3"

var extensionPattern = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)

type Dir struct {
	Path   string
	Logger *zap.Logger
}

func New(dir string, logger *zap.Logger) *Dir {
	return &Dir{Path: dir, Logger: logger}
}

// Create opens a new, uniquely named file ending in ext.
func (d *Dir) Create(ext string) (*os.File, error) {
	dir := d.Path
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "voxserve-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	return f, nil
}

// Write copies r into a new scratch file and returns its path. On failure no
// file is left behind.
func (d *Dir) Write(r io.Reader, ext string) (string, error) {
	f, err := d.Create(ext)
	if err != nil {
		return "", err
	}
	name := f.Name()

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		d.Remove(name)
		return "", fmt.Errorf("write scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		d.Remove(name)
		return "", fmt.Errorf("close scratch file: %w", err)
	}
	return name, nil
}

// Remove deletes a scratch file. A missing file is fine; other failures are
// logged and swallowed.
func (d *Dir) Remove(name string) {
	if name == "" {
		return
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.log().Warn("failed to remove scratch file", zap.String("path", name), zap.Error(err))
	}
}

func (d *Dir) log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Extension returns the lower-cased extension of a file name, with the dot.
func Extension(filename string) string {
	return strings.ToLower(path.Ext(strings.ReplaceAll(filename, "\\", "/")))
}

// ExtensionFromURL derives a scratch extension from the path of a remote
// audio URL, ignoring the query string. Anything that does not look like a
// short file extension falls back to DefaultExtension.
func ExtensionFromURL(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	} else if idx := strings.IndexAny(raw, "?#"); idx >= 0 {
		p = raw[:idx]
	}

	ext := Extension(p)
	if !extensionPattern.MatchString(ext) {
		return DefaultExtension
	}
	return ext
}
