// Package registry holds the in-memory view of every task for the lifetime
// of the process. All reads return copies.
package registry

import (
	"sort"
	"sync"

	"groupcast/internal/domain"
)

type Registry struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

func New() *Registry {
	return &Registry{tasks: make(map[string]domain.Task)}
}

func (r *Registry) Get(id string) (domain.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Status reports the current status of id, or StatusDeleted when the task
// is not registered.
func (r *Registry) Status(id string) domain.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.StatusDeleted
	}
	return t.Status
}

func (r *Registry) Set(t domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
}

// Update applies fn to the registered task under the write lock.
func (r *Registry) Update(id string, fn func(*domain.Task)) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	fn(&t)
	r.tasks[id] = t
	return t, true
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]domain.Task)
}

// Replace swaps the whole content, used once when rehydrating from storage.
func (r *Registry) Replace(tasks []domain.Task) {
	m := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	r.mu.Lock()
	r.tasks = m
	r.mu.Unlock()
}

// Snapshot returns all tasks ordered by creation time.
func (r *Registry) Snapshot() []domain.Task {
	r.mu.RLock()
	out := make([]domain.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
