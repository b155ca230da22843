package store

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/ir"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithDevice(ir.DeviceInfo{ID: "dev-local", Name: "local", Platform: "test"}))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// recorder captures subscription deliveries.
type recorder[T any] struct {
	mu    sync.Mutex
	calls [][]T
}

func (r *recorder[T]) record(v []T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, v)
}

func (r *recorder[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder[T]) last() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}
