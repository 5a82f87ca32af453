// Package blobtest provides an in-memory blob.Store for tests.
package blobtest

import (
	"context"
	"sort"
	"sync"

	"github.com/agentserver/projectbox/internal/blob"
)

var _ blob.Store = (*Store)(nil)

// Store keeps blobs in memory. Errors keyed by "upload", "download" or
// "remove" are returned instead of performing the operation.
type Store struct {
	mu           sync.Mutex
	Objects      map[string][]byte
	ContentTypes map[string]string
	Errors       map[string]error
}

func New() *Store {
	return &Store{
		Objects:      make(map[string][]byte),
		ContentTypes: make(map[string]string),
		Errors:       make(map[string]error),
	}
}

// SetError makes op fail with err. A nil err clears it.
func (s *Store) SetError(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.Errors, op)
		return
	}
	s.Errors[op] = err
}

// Keys returns the stored keys, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.Objects))
	for k := range s.Objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Put stores data directly, bypassing injected errors.
func (s *Store) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Objects[key] = append([]byte(nil), data...)
}

func (s *Store) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Errors["upload"]; err != nil {
		return "", err
	}
	s.Objects[key] = append([]byte(nil), data...)
	s.ContentTypes[key] = contentType
	return key, nil
}

func (s *Store) Download(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Errors["download"]; err != nil {
		return nil, err
	}
	data, ok := s.Objects[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) Remove(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Errors["remove"]; err != nil {
		return err
	}
	for _, k := range keys {
		delete(s.Objects, k)
		delete(s.ContentTypes, k)
	}
	return nil
}
