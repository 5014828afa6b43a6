// Package artifact persists generated images and mints their public URLs.
package artifact

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/seantiz/genhub/internal/backend"
)

// Dir writes artifacts under a root directory served at URLBase.
type Dir struct {
	root    string
	urlBase string
}

// NewDir creates the root directory if needed. urlBase is the public prefix
// under which root is served, for example http://hub:8080/outputs.
func NewDir(root, urlBase string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Dir{root: root, urlBase: strings.TrimRight(urlBase, "/")}, nil
}

// Root returns the directory artifacts are written to.
func (d *Dir) Root() string {
	return d.root
}

// Save writes out as <jobID><ext> and returns its public URL. The file is
// written to a temporary name first so readers never see a partial image.
func (d *Dir) Save(ctx context.Context, jobID string, out backend.Output) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := jobID + extension(out)
	final := filepath.Join(d.root, name)

	tmp, err := os.CreateTemp(d.root, "."+jobID+"-*")
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := tmp.Write(out.Data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publish artifact: %w", err)
	}

	return d.urlBase + "/" + name, nil
}

func extension(out backend.Output) string {
	if ext := filepath.Ext(out.Filename); ext != "" {
		return strings.ToLower(ext)
	}
	if exts, _ := mime.ExtensionsByType(out.ContentType); len(exts) > 0 {
		return exts[0]
	}
	return ".png"
}
