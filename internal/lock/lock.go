// Package lock serializes plan-and-apply cycles across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrLockLost means the lease expired and someone else holds the lock now.
	ErrLockLost = errors.New("lock no longer owned")
)

type Lease interface {
	Owner() string
	Release(ctx context.Context) error
}

type Locker interface {
	Acquire(ctx context.Context, name string) (Lease, error)
}

type Options struct {
	// TTL after which a held lock counts as stale.
	TTL time.Duration
	// Wait bounds how long Acquire keeps trying.
	Wait time.Duration
	// Poll is the retry interval while waiting.
	Poll time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 60 * time.Second
	}
	if o.Wait < 0 {
		o.Wait = 0
	}
	if o.Poll <= 0 {
		o.Poll = 100 * time.Millisecond
	}
	return o
}

func newOwner() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString())
}

// poll calls try until it acquires, fails, the wait budget runs out or ctx ends.
func poll(ctx context.Context, opts Options, try func() (Lease, bool, error)) (Lease, error) {
	deadline := time.Now().Add(opts.Wait)
	for {
		lease, ok, err := try()
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.Poll):
		}
	}
}
