// Package keylock provides exclusive per-key locks with a bounded wait.
package keylock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
	"golang.org/x/sync/semaphore"
)

const DefaultWait = 2 * time.Second

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Set hands out one exclusive lock per key. Entries are dropped once nobody
// holds or waits for them.
type Set struct {
	Wait time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

func New(wait time.Duration) *Set {
	if wait <= 0 {
		wait = DefaultWait
	}

	return &Set{
		Wait:    wait,
		entries: map[string]*entry{},
	}
}

func (s *Set) ref(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries == nil {
		s.entries = map[string]*entry{}
	}

	e, ok := s.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		s.entries[key] = e
	}

	e.refs++

	return e
}

func (s *Set) unref(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return
	}

	e.refs--
	if e.refs <= 0 {
		delete(s.entries, key)
	}
}

// Acquire locks every key, in sorted order, waiting at most s.Wait in total.
// On timeout it releases whatever it already holds and returns a CONTENDED
// error. The returned release func is safe to call once.
func (s *Set) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	wait := s.Wait
	if wait <= 0 {
		wait = DefaultWait
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	held := make([]string, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			key := held[i]

			s.mu.Lock()
			e := s.entries[key]
			s.mu.Unlock()

			if e != nil {
				e.sem.Release(1)
			}

			s.unref(key)
		}

		held = held[:0]
	}

	for _, key := range keys {
		e := s.ref(key)

		err := e.sem.Acquire(waitCtx, 1)
		if err != nil {
			s.unref(key)
			release()

			if ctx.Err() != nil {
				return nil, apperrors.Wrap(apperrors.CodeContended, "request cancelled while waiting for lock", ctx.Err())
			}

			return nil, apperrors.Newf(apperrors.CodeContended, "%s is busy, retry", key)
		}

		held = append(held, key)
	}

	var once sync.Once

	return func() { once.Do(release) }, nil
}
