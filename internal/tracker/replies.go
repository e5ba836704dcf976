package tracker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrRegistrationTimeout = errors.New("registration timed out waiting for a reply")
	ErrAwaitingReply       = errors.New("a reply is already awaited from this caller")
)

// replies correlates a prompt sent to a caller with that caller's next
// message.
type replies struct {
	mu      sync.Mutex
	waiting map[string]chan string
}

func newReplies() *replies {
	return &replies{waiting: make(map[string]chan string)}
}

// await blocks until deliver is called for callerID, the timeout passes or
// ctx ends. The waiter is always removed before await returns.
func (r *replies) await(ctx context.Context, callerID string, timeout time.Duration, prompt func() error) (string, error) {
	ch := make(chan string, 1)
	r.mu.Lock()
	if _, busy := r.waiting[callerID]; busy {
		r.mu.Unlock()
		return "", ErrAwaitingReply
	}
	r.waiting[callerID] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.waiting, callerID)
		r.mu.Unlock()
	}()

	if err := prompt(); err != nil {
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case text := <-ch:
		return text, nil
	case <-timer.C:
		return "", ErrRegistrationTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// deliver hands text to a waiting caller. It reports false when nobody is
// waiting on callerID.
func (r *replies) deliver(callerID, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.waiting[callerID]
	if !ok {
		return false
	}
	select {
	case ch <- text:
		return true
	default:
		return false // already answered
	}
}
