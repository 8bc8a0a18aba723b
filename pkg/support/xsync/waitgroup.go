// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements extra synchronization tools used by the runtimes.
package xsync

import (
	stderrors "errors"
	"sync"

	"github.com/pkg/errors"
)

// DynamicWaitGroup is a WaitGroup-like synchronization primitive that allows the count
// to be changed (new values added) while someone is waiting for it.
//
// It also collects the errors reported with DoneWithError, which are returned (and reset) by Wait.
//
// It uses sync.Cond to coordinate changes.
type DynamicWaitGroup struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int64
	errs  []error
}

// NewDynamicWaitGroup creates a new DynamicWaitGroup.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	wg := &DynamicWaitGroup{}
	wg.cond = sync.NewCond(&wg.mu)
	return wg
}

// Add changes the DynamicWaitGroup counter by the given delta.
// If the counter becomes zero, it broadcasts to all waiting goroutines.
// If the counter would go negative, it panics.
func (wg *DynamicWaitGroup) Add(delta int) {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	wg.lockedAdd(delta)
}

func (wg *DynamicWaitGroup) lockedAdd(delta int) {
	wg.count += int64(delta)
	if wg.count < 0 {
		panic(errors.Errorf("DynamicWaitGroup: negative counter"))
	}
	// Waiters re-check the condition upon waking, so new additions are safe.
	if wg.count == 0 {
		wg.cond.Broadcast()
	}
}

// Done decrements the DynamicWaitGroup counter by one.
func (wg *DynamicWaitGroup) Done() {
	wg.Add(-1)
}

// DoneWithError decrements the counter by one and, if err is not nil, records it to be returned by Wait.
func (wg *DynamicWaitGroup) DoneWithError(err error) {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	if err != nil {
		wg.errs = append(wg.errs, err)
	}
	wg.lockedAdd(-1)
}

// Count returns the current value of the counter.
func (wg *DynamicWaitGroup) Count() int {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	return int(wg.count)
}

// Wait blocks until the DynamicWaitGroup counter is zero.
//
// It returns the errors recorded since the last Wait, joined, or nil if there were none.
func (wg *DynamicWaitGroup) Wait() error {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	// The loop is necessary because sync.Cond.Wait() can have spurious wakeups.
	for wg.count > 0 {
		wg.cond.Wait()
	}
	errs := wg.errs
	wg.errs = nil
	return stderrors.Join(errs...)
}
