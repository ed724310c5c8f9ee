package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// MinPasswordLength is enforced on password changes and user creation.
const MinPasswordLength = 8

// Hasher hashes and verifies passwords with bcrypt. At most workers hashes run at once;
// callers wait for a slot and give up when their context ends.
type Hasher struct {
	cost int
	sem  *semaphore.Weighted

	dummyMu sync.Mutex
	dummy   string
}

// NewHasher returns a Hasher using bcrypt cost and at most workers concurrent computations.
func NewHasher(cost, workers int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	if workers < 1 {
		workers = 1
	}
	return &Hasher{cost: cost, sem: semaphore.NewWeighted(int64(workers))}
}

// Hash returns a salted bcrypt hash of password.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	if len(password) > 72 {
		return "", fmt.Errorf("%w: password exceeds 72 bytes", ErrInvalidInput)
	}
	var hash []byte
	err := h.run(ctx, func() error {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(password), h.cost)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether plain matches hash. Malformed hashes and cancelled contexts verify as false.
func (h *Hasher) Verify(ctx context.Context, plain, hash string) bool {
	if hash == "" {
		return false
	}
	err := h.run(ctx, func() error {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	})
	return err == nil
}

// BurnVerify spends the time of one verification against a fixed hash so that
// unknown accounts take as long to reject as wrong passwords.
func (h *Hasher) BurnVerify(ctx context.Context, plain string) {
	dummy, err := h.dummyHash(ctx)
	if err != nil {
		return
	}
	_ = h.Verify(ctx, plain, dummy)
}

// dummyHash builds the placeholder hash on first use through the worker pool. A failed
// attempt is retried by the next caller.
func (h *Hasher) dummyHash(ctx context.Context) (string, error) {
	h.dummyMu.Lock()
	defer h.dummyMu.Unlock()
	if h.dummy != "" {
		return h.dummy, nil
	}
	hash, err := h.Hash(ctx, "agentvoice-placeholder")
	if err != nil {
		return "", err
	}
	h.dummy = hash
	return hash, nil
}

// NeedsRehash reports whether hash was produced with a different cost than configured.
func (h *Hasher) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return false
	}
	return cost != h.cost
}

// run executes fn on its own goroutine once a worker slot is free.
func (h *Hasher) run(ctx context.Context, fn func() error) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		defer h.sem.Release(1)
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Join(ctx.Err(), errHashAbandoned)
	}
}

var errHashAbandoned = errors.New("hash computation abandoned")
