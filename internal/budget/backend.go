package budget

import "sync"

// Backend is the narrow trait every cost accumulator implements: add an
// amount and get the running total back, read the total without mutating
// it, reset to zero, and report whether a distributed backend has fallen
// back to a local one.
type Backend interface {
	Add(amount float64) (total float64, err error)
	Get() (total float64, err error)
	Reset() error
	IsUsingFallback() bool
}

// LocalBackend is a thread-safe in-process accumulator. It never fails
// and never reports itself as using a fallback.
type LocalBackend struct {
	mu    sync.Mutex
	total float64
}

// NewLocalBackend creates an empty LocalBackend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{}
}

func (b *LocalBackend) Add(amount float64) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += amount
	return b.total, nil
}

func (b *LocalBackend) Get() (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, nil
}

func (b *LocalBackend) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total = 0
	return nil
}

func (b *LocalBackend) IsUsingFallback() bool { return false }
