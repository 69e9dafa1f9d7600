// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scheduler

import (
	"testing"

	"github.com/decred/stakecert/stakecertd/backend"
)

func TestTarget(t *testing.T) {
	tests := []struct {
		epoch, interval, finality uint64
		want                      uint64
		ok                        bool
	}{
		{1000, 675, 2, 675, true},
		{674, 675, 2, 0, false},
		{677, 675, 2, 675, true},
		{676, 675, 2, 0, false},
		{1352, 675, 2, 1350, true},
		{1, 675, 2, 0, false},
		{100, 0, 2, 0, false},
		{10, 1, 1, 9, true},
		{2, 1, 2, 0, false},
		{0, 1, 0, 0, false},
		{25, 10, 0, 20, true},
	}
	for _, test := range tests {
		got, ok := Target(test.epoch, test.interval, test.finality)
		if got != test.want || ok != test.ok {
			t.Fatalf("Target(%v, %v, %v): want %v %v got %v %v",
				test.epoch, test.interval, test.finality,
				test.want, test.ok, got, ok)
		}
	}
}

func TestTargetDeterministic(t *testing.T) {
	for e := uint64(0); e < 3000; e += 7 {
		a, aok := Target(e, 675, 2)
		b, bok := Target(e, 675, 2)
		if a != b || aok != bok {
			t.Fatalf("epoch %v: %v %v != %v %v", e, a, aok, b, bok)
		}
		if aok && (a%675 != 0 || a > e-2) {
			t.Fatalf("epoch %v: bad target %v", e, a)
		}
	}
}

func TestTracker(t *testing.T) {
	set := backend.SignedEntityType{Chain: "x-net", Kind: backend.KindStateRoot}
	other := backend.SignedEntityType{Chain: "y-net", Kind: backend.KindStateRoot}
	tr := NewTracker()

	target, ok := tr.Next(set, 1000, 675, 2)
	if !ok || target != 675 {
		t.Fatalf("want 675 got %v %v", target, ok)
	}

	// An open target is not proposed again.
	tr.Opened(set, 675)
	if _, ok := tr.Next(set, 1000, 675, 2); ok {
		t.Fatalf("open target proposed again")
	}
	if open, ok := tr.Open(set); !ok || open != 675 {
		t.Fatalf("want open 675 got %v %v", open, ok)
	}

	// Other chains are tracked separately.
	if target, ok := tr.Next(other, 1000, 675, 2); !ok || target != 675 {
		t.Fatalf("want 675 got %v %v", target, ok)
	}

	// Certification clears the open epoch and blocks older targets.
	tr.Certified(set, 675)
	if _, ok := tr.Open(set); ok {
		t.Fatalf("open epoch not cleared")
	}
	if _, ok := tr.Next(set, 1000, 675, 2); ok {
		t.Fatalf("certified target proposed again")
	}
	tr.Certified(set, 10)
	if last, _ := tr.LastCertified(set); last != 675 {
		t.Fatalf("last certified went backwards: %v", last)
	}

	target, ok = tr.Next(set, 1352, 675, 2)
	if !ok || target != 1350 {
		t.Fatalf("want 1350 got %v %v", target, ok)
	}
}
