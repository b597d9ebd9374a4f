// Package registry maps in-flight run ids to their process handles.
package registry

import (
	"hash/fnv"
	"sync"

	"github.com/batchui/batchrun/internal/runner"
)

const shardCount = 16

type shard struct {
	mx      sync.RWMutex
	handles map[string]runner.Handle
}

// Registry is a map partitioned into shards, each guarded by its own lock.
type Registry struct {
	shards [shardCount]*shard
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{handles: make(map[string]runner.Handle)}
	}
	return r
}

func (r *Registry) shard(runID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	return r.shards[h.Sum32()%shardCount]
}

// Register stores h under runID, replacing any previous handle.
func (r *Registry) Register(runID string, h runner.Handle) {
	s := r.shard(runID)
	s.mx.Lock()
	s.handles[runID] = h
	s.mx.Unlock()
}

func (r *Registry) Lookup(runID string) (runner.Handle, bool) {
	s := r.shard(runID)
	s.mx.RLock()
	defer s.mx.RUnlock()
	h, ok := s.handles[runID]
	return h, ok
}

// Unregister removes runID and returns its handle if it was present.
func (r *Registry) Unregister(runID string) (runner.Handle, bool) {
	s := r.shard(runID)
	s.mx.Lock()
	defer s.mx.Unlock()
	h, ok := s.handles[runID]
	delete(s.handles, runID)
	return h, ok
}

func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mx.RLock()
		n += len(s.handles)
		s.mx.RUnlock()
	}
	return n
}

// Range calls fn for a snapshot of the registered handles.
func (r *Registry) Range(fn func(runID string, h runner.Handle) bool) {
	for _, s := range r.shards {
		s.mx.RLock()
		snapshot := make(map[string]runner.Handle, len(s.handles))
		for k, v := range s.handles {
			snapshot[k] = v
		}
		s.mx.RUnlock()
		for k, v := range snapshot {
			if !fn(k, v) {
				return
			}
		}
	}
}
