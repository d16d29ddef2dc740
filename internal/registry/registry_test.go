package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/domain"
)

func TestRegistry_GetSetRemove(t *testing.T) {
	r := New()
	_, ok := r.Get("a")
	assert.False(t, ok)
	assert.Equal(t, domain.StatusDeleted, r.Status("a"))

	r.Set(domain.Task{ID: "a", Group: "g", Status: domain.StatusRunning})
	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "g", got.Group)
	assert.Equal(t, domain.StatusRunning, r.Status("a"))

	r.Remove("a")
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SnapshotIsCopy(t *testing.T) {
	r := New()
	base := time.Now()
	r.Set(domain.Task{ID: "b", CreatedAt: base.Add(time.Second)})
	r.Set(domain.Task{ID: "a", CreatedAt: base})

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "b", snap[1].ID)

	snap[0].Group = "mutated"
	got, _ := r.Get("a")
	assert.Empty(t, got.Group)
}

func TestRegistry_Update(t *testing.T) {
	r := New()
	_, ok := r.Update("missing", func(t *domain.Task) { t.Group = "x" })
	assert.False(t, ok)

	r.Set(domain.Task{ID: "a", Status: domain.StatusRunning})
	got, ok := r.Update("a", func(t *domain.Task) { t.Status = domain.StatusStopped })
	require.True(t, ok)
	assert.Equal(t, domain.StatusStopped, got.Status)
	assert.Equal(t, domain.StatusStopped, r.Status("a"))
}

func TestRegistry_ReplaceAndClear(t *testing.T) {
	r := New()
	r.Set(domain.Task{ID: "old"})
	r.Replace([]domain.Task{{ID: "x"}, {ID: "y"}})
	assert.Equal(t, 2, r.Len())
	_, ok := r.Get("old")
	assert.False(t, ok)

	r.Clear()
	assert.Empty(t, r.Snapshot())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := fmt.Sprintf("t%d-%d", i, j)
				r.Set(domain.Task{ID: id, Status: domain.StatusRunning})
				r.Update(id, func(t *domain.Task) { t.Status = domain.StatusStopped })
				_ = r.Snapshot()
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
