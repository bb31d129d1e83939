package blob

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore stores blobs under a root directory. URLs are baseURL + "/" + path;
// the HTTP server mounts Handler() at baseURL's path to serve them.
type FSStore struct {
	root    string
	baseURL string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root, baseURL string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("blob: failed to create root %s: %w", root, err)
	}
	return &FSStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// clean rejects path escapes.
func (s *FSStore) clean(p string) (string, error) {
	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return "", fmt.Errorf("blob: empty path")
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

func (s *FSStore) Put(ctx context.Context, p string, data []byte, contentType string) (string, error) {
	full, err := s.clean(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("blob: mkdir: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", fmt.Errorf("blob: write %s: %w", p, err)
	}
	return s.urlFor(p), nil
}

func (s *FSStore) Get(ctx context.Context, p string) ([]byte, error) {
	full, err := s.clean(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: read %s: %w", p, err)
	}
	return data, nil
}

func (s *FSStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object

	err := filepath.Walk(s.root, func(full string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, full)
		if err != nil {
			return err
		}
		p := filepath.ToSlash(rel)
		if !strings.HasPrefix(p, strings.TrimPrefix(prefix, "/")) {
			return nil
		}
		objects = append(objects, Object{
			Path:       p,
			Size:       info.Size(),
			UploadedAt: info.ModTime().UTC(),
			URL:        s.urlFor(p),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob: list %s: %w", prefix, err)
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].UploadedAt.After(objects[j].UploadedAt)
	})
	return objects, nil
}

// Handler serves the stored blobs read-only for public access.
func (s *FSStore) Handler() http.Handler {
	return http.FileServer(http.Dir(s.root))
}

func (s *FSStore) urlFor(p string) string {
	return s.baseURL + "/" + strings.TrimPrefix(p, "/")
}

var _ Store = (*FSStore)(nil)
