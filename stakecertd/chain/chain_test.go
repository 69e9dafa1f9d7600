// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
)

func TestNewID(t *testing.T) {
	tests := []struct {
		chainType string
		network   string
		want      ID
		valid     bool
	}{
		{"ethereum", "holesky", "ethereum-holesky", true},
		{"Cardano", "MainNet", "cardano-mainnet", true},
		{"x", "", "x-", true},
		{"bad chain", "net", "bad chain-net", false},
		{"../etc", "passwd", "../etc-passwd", false},
	}
	for _, test := range tests {
		id := NewID(test.chainType, test.network)
		if id != test.want {
			t.Fatalf("want %v got %v", test.want, id)
		}
		if id.Valid() != test.valid {
			t.Fatalf("%v: want valid %v", id, test.valid)
		}
	}
}

func TestStakeDistribution(t *testing.T) {
	sd := NewStakeDistribution(50)
	sd.Add("a", 100)
	sd.Add("b", 100)
	sd.Add("c", 0)
	if sd.TotalStake != 200 {
		t.Fatalf("want 200 got %v", sd.TotalStake)
	}

	// Replace stake.
	sd.Add("b", 50)
	if sd.TotalStake != 150 {
		t.Fatalf("want 150 got %v", sd.TotalStake)
	}

	var sum uint64
	for _, v := range sd.Stakes {
		sum += v
	}
	if sum != sd.TotalStake {
		t.Fatalf("total %v does not match sum %v", sd.TotalStake, sum)
	}

	if !sd.Active("a") {
		t.Fatalf("a should be active")
	}
	if sd.Active("c") {
		t.Fatalf("zero stake validator reported active")
	}
	if sd.Active("d") {
		t.Fatalf("absent validator reported active")
	}

	if got := sd.String(); got != "a:100,b:50,c:0" {
		t.Fatalf("unexpected rendering %v", got)
	}

	c := sd.Clone()
	c.Add("d", 1)
	if _, ok := sd.Stake("d"); ok {
		t.Fatalf("clone shares map")
	}
}

func TestStakeDistributionOverflow(t *testing.T) {
	sd := NewStakeDistribution(7)
	if err := sd.Add("a", math.MaxUint64-10); err != nil {
		t.Fatal(err)
	}
	err := sd.Add("b", 11)
	if !errors.Is(err, ErrStakeOverflow) {
		t.Fatalf("want ErrStakeOverflow got %v", err)
	}
	if _, ok := sd.Stake("b"); ok {
		t.Fatalf("overflowing validator was recorded")
	}
	if sd.TotalStake != math.MaxUint64-10 {
		t.Fatalf("want %v got %v", uint64(math.MaxUint64-10), sd.TotalStake)
	}

	// Exactly filling the range is fine.
	if err := sd.Add("b", 10); err != nil {
		t.Fatal(err)
	}
	if sd.TotalStake != math.MaxUint64 {
		t.Fatalf("want max got %v", sd.TotalStake)
	}

	// Replacing a stake only counts the difference.
	if err := sd.Add("a", math.MaxUint64-10); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := sd.Add("a", math.MaxUint64-9); !errors.Is(err,
		ErrStakeOverflow) {
		t.Fatalf("want ErrStakeOverflow got %v", err)
	}
}

func TestCommitmentKind(t *testing.T) {
	if got := CustomCommitment("bank-hash"); got != "Custom(bank-hash)" {
		t.Fatalf("unexpected kind %v", got)
	}
	sc := StateCommitment{Value: []byte{0xde, 0xad}}
	if sc.ValueHex() != "dead" {
		t.Fatalf("unexpected hex %v", sc.ValueHex())
	}
}

func TestObserverError(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", NewError("x-net", ErrConnection, base))
	if IsPermanent(err) {
		t.Fatalf("transient error reported permanent")
	}
	kind, ok := KindOf(err)
	if !ok || kind != ErrConnection {
		t.Fatalf("want %v got %v", ErrConnection, kind)
	}
	if !errors.Is(err, base) {
		t.Fatalf("error chain lost")
	}

	perr := NewPermanentError("x-net", ErrInvalidData, base)
	if !IsPermanent(perr) {
		t.Fatalf("permanent error reported transient")
	}
	if IsPermanent(base) {
		t.Fatalf("plain error reported permanent")
	}
}

func TestUnsupported(t *testing.T) {
	u := NewUnsupported("solana-mainnet")
	ctx := context.Background()

	if _, err := u.CurrentEpoch(ctx); !errors.Is(err, ErrUnsupported) ||
		!IsPermanent(err) {
		t.Fatalf("unexpected error %v", err)
	}
	if _, err := u.StakeDistribution(ctx, 1); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("unexpected error %v", err)
	}
	if _, err := u.StateCommitment(ctx, 1); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("unexpected error %v", err)
	}
	active, err := u.IsValidatorActive(ctx, "v", 1)
	if err != nil || active {
		t.Fatalf("unexpected result %v %v", active, err)
	}
	if u.Metadata()["adapter_type"] != "unsupported" {
		t.Fatalf("unexpected metadata %v", u.Metadata())
	}
}
