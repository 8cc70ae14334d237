package featurestore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jaennil/guide_helper/features/pkg/logger"
)

type State int32

const (
	StateUninitialized State = iota
	StateOpening
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateOpening:
		return "opening"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type OpenFunc func(ctx context.Context) (Store, error)

// Handle owns the lifecycle of a Store: uninitialized, opening, then ready
// or failed. Callers asking for the store before it is ready wait for the
// open to finish; after a failure they get a NullStore.
type Handle struct {
	open   OpenFunc
	logger logger.Logger

	once  sync.Once
	done  chan struct{}
	state atomic.Int32
	store Store
	err   error
}

func NewHandle(open OpenFunc, l logger.Logger) *Handle {
	return &Handle{
		open:   open,
		logger: l,
		done:   make(chan struct{}),
	}
}

// Open starts opening the store in the background. Only the first call has
// any effect.
func (h *Handle) Open(ctx context.Context) {
	h.once.Do(func() {
		h.state.Store(int32(StateOpening))
		go h.run(context.WithoutCancel(ctx))
	})
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)

	store, err := h.open(ctx)
	if err != nil {
		h.err = err
		h.store = NullStore{}
		h.state.Store(int32(StateFailed))
		h.logger.Error("feature store unavailable, caching disabled", "error", err)
		return
	}

	h.store = store
	h.state.Store(int32(StateReady))
}

// Store waits for the open to finish and returns the store, or a NullStore
// if opening failed or ctx ends first.
func (h *Handle) Store(ctx context.Context) Store {
	h.Open(ctx)

	select {
	case <-h.done:
		return h.store
	case <-ctx.Done():
		return NullStore{}
	}
}

func (h *Handle) State() State {
	return State(h.state.Load())
}

// Err returns the open error once the handle has failed.
func (h *Handle) Err() error {
	if h.State() != StateFailed {
		return nil
	}
	return h.err
}

// Close waits for a pending open and closes the store.
func (h *Handle) Close() error {
	if h.State() == StateUninitialized {
		return nil
	}
	<-h.done
	return h.store.Close()
}
