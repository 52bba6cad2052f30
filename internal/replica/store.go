package replica

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"chronicle/collab/internal/prosemirror"
)

// Loader produces a fully loaded replica for the given id.
type Loader func(ctx context.Context, id string) (*Replica, error)

// Store is the process-wide registry of resident replicas.
type Store struct {
	mu       sync.Mutex
	replicas map[string]*Replica
	loads    singleflight.Group
}

func NewStore() *Store {
	return &Store{replicas: map[string]*Replica{}}
}

func (s *Store) Get(id string) (*Replica, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replicas[id]
	return r, ok
}

// Create registers a replica built from content. If one is already resident
// it is returned unchanged and created is false.
func (s *Store) Create(id string, content json.RawMessage) (r *Replica, created bool, err error) {
	if existing, ok := s.Get(id); ok {
		return existing, false, nil
	}
	doc, err := prosemirror.Decode(content)
	if err != nil {
		return nil, false, err
	}
	fresh, err := Load(id, doc)
	if err != nil {
		return nil, false, err
	}
	r = s.register(fresh)
	return r, r == fresh, nil
}

func (s *Store) register(r *Replica) *Replica {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.replicas[r.id]; ok {
		return existing
	}
	s.replicas[r.id] = r
	return r
}

// Remove evicts r. It refuses while sessions are attached or edits are
// unpersisted, and only removes the exact instance that is registered.
func (s *Store) Remove(r *Replica) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.replicas[r.id]
	if !ok || current != r {
		return false
	}
	if !r.closeIfIdle() {
		return false
	}
	delete(s.replicas, r.id)
	return true
}

// Acquire returns the resident replica for id or loads it. Concurrent callers
// for the same id share a single load, and nothing is registered unless the
// load succeeds.
//
// The load itself is not bound to ctx. When ctx ends first the caller gets
// ctx.Err() and the loaded replica is evicted again if nobody attached to it.
func (s *Store) Acquire(ctx context.Context, id string, load Loader) (*Replica, error) {
	if r, ok := s.Get(id); ok {
		return r, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := s.loads.DoChan(id, func() (any, error) {
		if r, ok := s.Get(id); ok {
			return r, nil
		}
		r, err := load(loadCtx, id)
		if err != nil {
			return nil, err
		}
		return s.register(r), nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Replica), nil
	case <-ctx.Done():
		go func() {
			res := <-ch
			if res.Err == nil {
				s.Remove(res.Val.(*Replica))
			}
		}()
		return nil, ctx.Err()
	}
}

// List returns resident replicas ordered by id.
func (s *Store) List() []*Replica {
	s.mu.Lock()
	out := make([]*Replica, 0, len(s.replicas))
	for _, r := range s.replicas {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replicas)
}
