// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package scheduler decides when a chain epoch is ripe for certification and
// drives the per chain certification cycle.
package scheduler

import (
	"sync"

	"github.com/decred/slog"
	"github.com/decred/stakecert/stakecertd/backend"
)

var log = slog.Disabled

// UseLogger sets the subsystem logger for this package.
func UseLogger(l slog.Logger) {
	log = l
}

// Target returns the most recent multiple of interval that is at least
// finality epochs behind epoch.  No target is returned for a zero interval,
// when epoch is smaller than finality, or when the boundary is the chain
// origin.
func Target(epoch, interval, finality uint64) (uint64, bool) {
	if interval == 0 || epoch < finality {
		return 0, false
	}
	target := (epoch - finality) / interval * interval
	if target == 0 {
		return 0, false
	}
	return target, true
}

// Tracker remembers, per (chain, entity kind), the last certified epoch and
// the epoch currently open.  It only proposes targets past both.
type Tracker struct {
	mtx       sync.Mutex
	certified map[backend.SignedEntityType]uint64
	open      map[backend.SignedEntityType]uint64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		certified: make(map[backend.SignedEntityType]uint64),
		open:      make(map[backend.SignedEntityType]uint64),
	}
}

// Certified records that set was certified at epoch.  Older epochs are
// ignored.
func (t *Tracker) Certified(set backend.SignedEntityType, epoch uint64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if last, ok := t.certified[set]; !ok || epoch > last {
		t.certified[set] = epoch
	}
	if t.open[set] <= epoch {
		delete(t.open, set)
	}
}

// LastCertified returns the last certified epoch of set.
func (t *Tracker) LastCertified(set backend.SignedEntityType) (uint64, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	epoch, ok := t.certified[set]
	return epoch, ok
}

// Opened records that a message for set is open at epoch.
func (t *Tracker) Opened(set backend.SignedEntityType, epoch uint64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if epoch > t.open[set] {
		t.open[set] = epoch
	}
}

// Open returns the epoch open for set.
func (t *Tracker) Open(set backend.SignedEntityType) (uint64, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	epoch, ok := t.open[set]
	return epoch, ok
}

// Next returns the target to open for set given the current chain epoch.
// Targets at or below the last certified or open epoch are not proposed.
func (t *Tracker) Next(set backend.SignedEntityType, epoch, interval, finality uint64) (uint64, bool) {
	target, ok := Target(epoch, interval, finality)
	if !ok {
		return 0, false
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()
	if last, ok := t.certified[set]; ok && target <= last {
		return 0, false
	}
	if open, ok := t.open[set]; ok && target <= open {
		return 0, false
	}
	return target, true
}
