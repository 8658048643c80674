package adapter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/model"
)

// Storage keeps binary objects such as image assets and session snapshots.
// Get and Delete return an error wrapping model.ErrNotFound for a missing key.
type Storage interface {
	Put(ctx context.Context, key string) (io.WriteCloser, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// storageClient implements Storage interface using Cloud Storage
type storageClient struct {
	bucketName string
	prefix     string
	client     *storage.Client
}

// NewStorage creates a new Cloud Storage client. prefix is prepended to every key.
func NewStorage(ctx context.Context, bucketName, prefix string) (Storage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &storageClient{
		bucketName: bucketName,
		prefix:     prefix,
		client:     client,
	}, nil
}

func (s *storageClient) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(s.prefix + key)
}

func (s *storageClient) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	return s.object(key).NewWriter(ctx), nil
}

func (s *storageClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, goerr.Wrap(model.ErrNotFound, "object not found", goerr.V("key", key), goerr.V("bucket", s.bucketName))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read from storage", goerr.V("key", key), goerr.V("bucket", s.bucketName))
	}

	return reader, nil
}

func (s *storageClient) Delete(ctx context.Context, key string) error {
	err := s.object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return goerr.Wrap(model.ErrNotFound, "object not found", goerr.V("key", key), goerr.V("bucket", s.bucketName))
	}
	if err != nil {
		return goerr.Wrap(err, "failed to delete from storage", goerr.V("key", key), goerr.V("bucket", s.bucketName))
	}
	return nil
}

// fileStorage implements Storage on a local directory
type fileStorage struct {
	root string
}

// NewFileStorage stores objects as files under root
func NewFileStorage(root string) (Storage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create storage directory", goerr.V("root", root))
	}
	return &fileStorage{root: root}, nil
}

func (s *fileStorage) path(key string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", goerr.Wrap(model.ErrValidation, "invalid storage key", goerr.V("key", key))
	}
	return p, nil
}

func (s *fileStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create directory", goerr.V("key", key))
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create temp file", goerr.V("key", key))
	}
	return &renameOnClose{File: tmp, dst: p}, nil
}

// renameOnClose moves the temp file into place on Close so readers never see a partial object
type renameOnClose struct {
	*os.File
	dst string
}

func (w *renameOnClose) Close() error {
	if err := w.File.Close(); err != nil {
		_ = os.Remove(w.Name())
		return goerr.Wrap(err, "failed to close temp file", goerr.V("path", w.dst))
	}
	if err := os.Rename(w.Name(), w.dst); err != nil {
		_ = os.Remove(w.Name())
		return goerr.Wrap(err, "failed to move object into place", goerr.V("path", w.dst))
	}
	return nil
}

func (s *fileStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, goerr.Wrap(model.ErrNotFound, "object not found", goerr.V("key", key))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open object", goerr.V("key", key))
	}
	return f, nil
}

func (s *fileStorage) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, os.ErrNotExist) {
		return goerr.Wrap(model.ErrNotFound, "object not found", goerr.V("key", key))
	}
	if err != nil {
		return goerr.Wrap(err, "failed to delete object", goerr.V("key", key))
	}
	return nil
}

// MemoryStorage is an in-process Storage used when no persistent location is configured.
type MemoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: map[string][]byte{}}
}

type memoryWriter struct {
	bytes.Buffer
	key   string
	store *MemoryStorage
}

func (w *memoryWriter) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.objects[w.key] = bytes.Clone(w.Bytes())
	return nil
}

func (s *MemoryStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	return &memoryWriter{key: key, store: s}, nil
}

func (s *MemoryStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "object not found", goerr.V("key", key))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return goerr.Wrap(model.ErrNotFound, "object not found", goerr.V("key", key))
	}
	delete(s.objects, key)
	return nil
}

// Keys returns the stored keys. Intended for tests and diagnostics.
func (s *MemoryStorage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

// PutObject writes data under key through a Storage
func PutObject(ctx context.Context, s Storage, key string, data []byte) error {
	w, err := s.Put(ctx, key)
	if err != nil {
		return goerr.Wrap(err, "failed to open storage writer", goerr.V("key", key))
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return goerr.Wrap(err, "failed to write object", goerr.V("key", key))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "failed to close storage writer", goerr.V("key", key))
	}
	return nil
}

// GetObject reads the whole object stored under key
func GetObject(ctx context.Context, s Storage, key string) ([]byte, error) {
	r, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read object", goerr.V("key", key))
	}
	return data, nil
}
