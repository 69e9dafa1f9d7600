// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ethereum

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/decred/stakecert/stakecertd/chain"
	"github.com/stretchr/testify/require"
)

const stateRoot = "0x6b3dbd4f4c3a8e6f3a1c6dd1e3c2b0a2f1f1f4e7cb3fdf1f9a1c7c6c5c4c3c2c"

// beaconStub serves canned beacon API replies.  Slots listed in empty
// answer 404.
func beaconStub(t *testing.T, headSlot uint64, empty map[uint64]bool) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/eth/v1/beacon/headers/head", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":{"root":"0x01","header":{"message":`+
			`{"slot":"%d","proposer_index":"7","parent_root":"0x02",`+
			`"state_root":"0x03","body_root":"0x04"}}}}`, headSlot)
	})
	mux.HandleFunc("/eth/v1/beacon/genesis", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"genesis_time":"1695902400",`+
			`"genesis_validators_root":"0x9143",`+
			`"genesis_fork_version":"0x01017000"}}`)
	})
	mux.HandleFunc("/eth/v1/beacon/states/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/eth/v1/beacon/states/21600/validators":
			fmt.Fprint(w, `{"data":[`+
				`{"index":"0","balance":"32000000001","status":"active_ongoing",`+
				`"validator":{"pubkey":"0xaa","effective_balance":"32000000000"}},`+
				`{"index":"1","balance":"31000000000","status":"active_exiting",`+
				`"validator":{"pubkey":"0xbb","effective_balance":"31000000000"}},`+
				`{"index":"2","balance":"0","status":"withdrawal_done",`+
				`"validator":{"pubkey":"0xcc","effective_balance":"0"}},`+
				`{"index":"3","balance":"32000000000","status":"pending_queued",`+
				`"validator":{"pubkey":"0xdd","effective_balance":"32000000000"}}]}`)
		case "/eth/v1/beacon/states/21600/validators/0xaa":
			fmt.Fprint(w, `{"data":{"index":"0","balance":"32000000001",`+
				`"status":"active_ongoing","validator":{"pubkey":"0xaa",`+
				`"effective_balance":"32000000000"}}}`)
		case "/eth/v1/beacon/states/21600/validators/0xcc":
			fmt.Fprint(w, `{"data":{"index":"2","balance":"0",`+
				`"status":"withdrawal_done","validator":{"pubkey":"0xcc",`+
				`"effective_balance":"0"}}}`)
		case "/eth/v1/beacon/states/1/validators":
			fmt.Fprint(w, `{"data":[{"index":`)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/eth/v2/beacon/blocks/", func(w http.ResponseWriter, r *http.Request) {
		var slot uint64
		_, err := fmt.Sscanf(r.URL.Path, "/eth/v2/beacon/blocks/%d", &slot)
		if err != nil || empty[slot] {
			http.NotFound(w, r)
			return
		}
		if slot < 100 {
			// Pre-merge block.
			fmt.Fprintf(w, `{"version":"phase0","data":{"message":`+
				`{"slot":"%d","state_root":"0x05","body":{}}}}`, slot)
			return
		}
		fmt.Fprintf(w, `{"version":"deneb","data":{"message":{"slot":"%d",`+
			`"proposer_index":"1","parent_root":"0x06","state_root":"0x07",`+
			`"body":{"execution_payload":{"block_number":"%d",`+
			`"block_hash":"0x08","parent_hash":"0x09","state_root":"%s",`+
			`"timestamp":"1"}}}}}`, slot, slot+1000, stateRoot)
	})

	s := httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestObserver(t *testing.T, s *httptest.Server) *Observer {
	t.Helper()
	o, err := NewObserver(NewClient(s.URL, 5*time.Second), "holesky")
	require.NoError(t, err)
	return o
}

func TestNewObserverNetwork(t *testing.T) {
	_, err := NewObserver(NewClient("http://localhost", time.Second), "goerli")
	require.Error(t, err)

	o, err := NewObserver(NewClient("http://localhost", time.Second), "sepolia")
	require.NoError(t, err)
	require.Equal(t, chain.ID("ethereum-sepolia"), o.ChainID())
	require.Equal(t, "http://localhost", o.Metadata()["beacon_endpoint"])
}

func TestCurrentEpoch(t *testing.T) {
	s := beaconStub(t, 21631, nil)
	o := newTestObserver(t, s)

	ei, err := o.CurrentEpoch(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(675), ei.Epoch)
	require.Equal(t, int64(1695902400+675*384), ei.StartTime)
	require.NotNil(t, ei.EndTime)
	require.Equal(t, ei.StartTime+384, *ei.EndTime)
}

func TestStakeDistribution(t *testing.T) {
	s := beaconStub(t, 0, nil)
	o := newTestObserver(t, s)

	sd, err := o.StakeDistribution(context.Background(), 675)
	require.NoError(t, err)
	require.Equal(t, uint64(675), sd.Epoch)
	require.Len(t, sd.Stakes, 2)
	require.Equal(t, uint64(63000000000), sd.TotalStake)
	require.True(t, sd.Active("0xaa"))
	require.False(t, sd.Active("0xdd"))
}

func TestStakeDistributionMalformed(t *testing.T) {
	s := beaconStub(t, 0, nil)
	o := newTestObserver(t, s)

	// Epoch 0 state at slot 0 is unknown to the stub.
	_, err := o.StakeDistribution(context.Background(), 0)
	require.Error(t, err)
	require.False(t, chain.IsPermanent(err))

	// Slot 1 answers truncated JSON; only reachable through the client.
	_, err = o.node.Validators(context.Background(), 1)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	require.True(t, chain.IsPermanent(o.wrap(chain.ErrStakeDistribution, err)))
}

func TestStateCommitment(t *testing.T) {
	// Last slot of epoch 675 is 21631; make it and the one before empty.
	s := beaconStub(t, 0, map[uint64]bool{21631: true, 21630: true})
	o := newTestObserver(t, s)

	sc, err := o.StateCommitment(context.Background(), 675)
	require.NoError(t, err)
	require.Equal(t, chain.CommitmentStateRoot, sc.Kind)
	require.Equal(t, stateRoot[2:], sc.ValueHex())
	require.Equal(t, uint64(21629+1000), sc.BlockNumber)
	require.Equal(t, "21629", sc.Metadata["slot"])
	require.Equal(t, "0x08", sc.Metadata["block_hash"])
	require.Equal(t, "0x07", sc.Metadata["beacon_root"])
}

func TestStateCommitmentPreMerge(t *testing.T) {
	s := beaconStub(t, 0, nil)
	o := newTestObserver(t, s)

	_, err := o.StateCommitment(context.Background(), 1)
	require.Error(t, err)
	require.True(t, chain.IsPermanent(err))
	kind, ok := chain.KindOf(err)
	require.True(t, ok)
	require.Equal(t, chain.ErrStateCommitment, kind)
}

func TestIsValidatorActive(t *testing.T) {
	s := beaconStub(t, 0, nil)
	o := newTestObserver(t, s)
	ctx := context.Background()

	active, err := o.IsValidatorActive(ctx, "0xaa", 675)
	require.NoError(t, err)
	require.True(t, active)

	active, err = o.IsValidatorActive(ctx, "0xcc", 675)
	require.NoError(t, err)
	require.False(t, active)

	active, err = o.IsValidatorActive(ctx, "0xee", 675)
	require.NoError(t, err)
	require.False(t, active)
}

func TestValidatorIDEscaped(t *testing.T) {
	var paths []string
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.EscapedPath())
		http.NotFound(w, r)
	})
	s := httptest.NewServer(mux)
	t.Cleanup(s.Close)
	o := newTestObserver(t, s)
	ctx := context.Background()

	for _, v := range []chain.ValidatorID{".", "..", "..."} {
		active, err := o.IsValidatorActive(ctx, v, 675)
		require.NoError(t, err)
		require.False(t, active)
	}
	if len(paths) != 0 {
		t.Fatalf("dot only ids reached the node: %v", paths)
	}

	active, err := o.IsValidatorActive(ctx, "a:b.c", 675)
	require.NoError(t, err)
	require.False(t, active)

	_, err = o.node.Validator(ctx, 0, "../a/b")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, []string{
		"/eth/v1/beacon/states/21600/validators/a:b.c",
		"/eth/v1/beacon/states/0/validators/..%2Fa%2Fb",
	}, paths)
}

func TestConnectionError(t *testing.T) {
	s := beaconStub(t, 0, nil)
	o := newTestObserver(t, s)
	s.Close()

	_, err := o.CurrentEpoch(context.Background())
	require.Error(t, err)
	kind, ok := chain.KindOf(err)
	require.True(t, ok)
	require.Equal(t, chain.ErrConnection, kind)
	require.False(t, chain.IsPermanent(err))
}
