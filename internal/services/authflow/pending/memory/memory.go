// Package memory keeps pending requests in process memory.
package memory

import (
	"context"
	"sync"

	"github.com/louisbranch/authflow/internal/services/authflow/pending"
)

// Store is an in-memory pending.Store. Records are kept in their encoded
// form so that reads never share state with the writer.
type Store struct {
	mu    sync.Mutex
	slots map[string][]byte
}

var _ pending.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{slots: make(map[string][]byte)}
}

func (s *Store) Save(ctx context.Context, appID string, req pending.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	data, err := pending.Marshal(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[appID] = data
	return nil
}

func (s *Store) Load(ctx context.Context, appID string) (pending.Request, error) {
	if err := ctx.Err(); err != nil {
		return pending.Request{}, err
	}
	s.mu.Lock()
	data, ok := s.slots[appID]
	s.mu.Unlock()
	if !ok {
		return pending.Request{}, pending.ErrNotFound
	}
	return pending.Unmarshal(data)
}

func (s *Store) Delete(ctx context.Context, appID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, appID)
	return nil
}
