package blob

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	baseURL string
	now     func() time.Time
}

type memObject struct {
	data       []byte
	uploadedAt time.Time
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]byte, len(data))
	copy(copied, data)
	s.objects[strings.TrimPrefix(path, "/")] = memObject{data: copied, uploadedAt: s.now().UTC()}
	return s.baseURL + "/" + strings.TrimPrefix(path, "/"), nil
}

func (s *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[strings.TrimPrefix(path, "/")]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var objects []Object
	for path, obj := range s.objects {
		if !strings.HasPrefix(path, strings.TrimPrefix(prefix, "/")) {
			continue
		}
		objects = append(objects, Object{
			Path:       path,
			Size:       int64(len(obj.data)),
			UploadedAt: obj.uploadedAt,
			URL:        s.baseURL + "/" + path,
		})
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].UploadedAt.After(objects[j].UploadedAt)
	})
	return objects, nil
}

var _ Store = (*MemoryStore)(nil)
