// Package lock provides per-channel leases so that at most one sync job runs
// for a channel at a time.
package lock

import (
	"context"
	"errors"
	"sync"

	"github.com/t77yq/chansync/internal/model"
)

// Lease is a held channel lease
type Lease interface {
	Release(ctx context.Context) error
}

// LeaseManager grants exclusive leases keyed by channel ID
type LeaseManager interface {
	// Acquire blocks until the lease for key is held or ctx is done.
	// It returns an error of kind ChannelBusy when ctx expires first.
	Acquire(ctx context.Context, key string) (Lease, error)
}

func busy(key string, err error) error {
	return model.NewError(model.KindChannelBusy, "channel "+key+" is locked by another job", err)
}

// LocalLeaser grants leases within a single process
type LocalLeaser struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// slot is dropped from the map once no holder or waiter references it
type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLeaser creates an in-process lease manager
func NewLocalLeaser() *LocalLeaser {
	return &LocalLeaser{slots: make(map[string]*slot)}
}

func (l *LocalLeaser) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *LocalLeaser) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Acquire implements LeaseManager.Acquire
func (l *LocalLeaser) Acquire(ctx context.Context, key string) (Lease, error) {
	s := l.ref(key)
	select {
	case s.ch <- struct{}{}:
		return &localLease{leaser: l, key: key, slot: s}, nil
	case <-ctx.Done():
		l.unref(key, s)
		return nil, busy(key, ctx.Err())
	}
}

type localLease struct {
	once   sync.Once
	leaser *LocalLeaser
	key    string
	slot   *slot
}

var errAlreadyReleased = errors.New("lease already released")

func (l *localLease) Release(context.Context) error {
	err := errAlreadyReleased
	l.once.Do(func() {
		<-l.slot.ch
		l.leaser.unref(l.key, l.slot)
		err = nil
	})
	return err
}
