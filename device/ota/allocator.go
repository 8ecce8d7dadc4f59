package ota

import (
	"fmt"
	"sync"
)

// BudgetAllocator is a heap allocator limited to a fixed number of bytes,
// for hosts that want to bound the memory the engine holds.
type BudgetAllocator struct {
	mu     sync.Mutex
	budget int
	used   int
}

// NewBudgetAllocator creates an allocator serving at most budget bytes at a
// time. A budget of 0 is unlimited.
func NewBudgetAllocator(budget int) *BudgetAllocator {
	return &BudgetAllocator{budget: budget}
}

// Alloc returns a zeroed buffer of n bytes.
func (a *BudgetAllocator) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrOutOfMemory, n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.budget > 0 && a.used+n > a.budget {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrOutOfMemory, n, a.used, a.budget)
	}
	a.used += n
	return make([]byte, n), nil
}

// Free returns buf to the budget.
func (a *BudgetAllocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used -= cap(buf)
	if a.used < 0 {
		a.used = 0
	}
}

// Used returns the number of bytes currently allocated.
func (a *BudgetAllocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}
