package store

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Handle is the process-wide owner of a Store. Engines borrow the store
// through Get; only the handle closes it.
type Handle struct {
	path string
	opts []Option

	group singleflight.Group

	mu     sync.Mutex
	store  *Store
	closed bool
	opens  int
}

// NewHandle returns a handle that opens path with opts on first use.
func NewHandle(path string, opts ...Option) *Handle {
	return &Handle{path: path, opts: opts}
}

// Get returns the shared store, opening it on the first call. Concurrent
// callers wait on the same in-flight open. A failed open is not memoized,
// so a later call retries.
func (h *Handle) Get(ctx context.Context) (*Store, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if h.store != nil {
		st := h.store
		h.mu.Unlock()
		return st, nil
	}
	h.mu.Unlock()

	ch := h.group.DoChan("open", func() (any, error) {
		h.mu.Lock()
		if h.store != nil {
			st := h.store
			h.mu.Unlock()
			return st, nil
		}
		h.opens++
		h.mu.Unlock()

		st, err := Open(h.path, h.opts...)
		if err != nil {
			return nil, err
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			st.Close()
			return nil, ErrClosed
		}
		h.store = st
		return st, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Store), nil
	}
}

// Close closes the shared store if it was opened. Later Get calls fail
// with ErrClosed.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	st := h.store
	h.store = nil
	h.mu.Unlock()

	if st == nil {
		return nil
	}
	return st.Close()
}

// openCount reports how many times the database was opened.
// Used for testing.
func (h *Handle) openCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens
}
