// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cardano

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const koiosPageSize = 1000

var _ LegacyObserver = (*KoiosObserver)(nil)

// KoiosObserver is a LegacyObserver backed by a Koios REST endpoint.
type KoiosObserver struct {
	endpoint string
	http     *http.Client
}

// NewKoiosObserver returns an observer that queries endpoint, e.g.
// https://api.koios.rest/api/v1.
func NewKoiosObserver(endpoint string, timeout time.Duration) *KoiosObserver {
	return &KoiosObserver{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

type koiosTip struct {
	Hash      string `json:"hash"`
	EpochNo   uint64 `json:"epoch_no"`
	AbsSlot   uint64 `json:"abs_slot"`
	EpochSlot uint64 `json:"epoch_slot"`
	BlockNo   uint64 `json:"block_no"`
	BlockTime int64  `json:"block_time"`
}

type koiosPool struct {
	PoolID      string  `json:"pool_id_bech32"`
	ActiveStake *string `json:"active_stake"`
}

func (k *KoiosObserver) get(ctx context.Context, path string, query url.Values, v interface{}) error {
	u := k.endpoint + path
	if len(query) != 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	r, err := k.http.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(r.Body, 512))
		return fmt.Errorf("koios %v: http status %v: %s", path,
			r.StatusCode, body)
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func (k *KoiosObserver) tip(ctx context.Context) (*koiosTip, error) {
	var tips []koiosTip
	if err := k.get(ctx, "/tip", nil, &tips); err != nil {
		return nil, err
	}
	if len(tips) == 0 {
		return nil, nil
	}
	return &tips[0], nil
}

// GetCurrentEpoch returns the tip epoch.
func (k *KoiosObserver) GetCurrentEpoch(ctx context.Context) (*uint64, error) {
	tip, err := k.tip(ctx)
	if err != nil || tip == nil {
		return nil, err
	}
	epoch := tip.EpochNo
	return &epoch, nil
}

// GetCurrentStakeDistribution returns the active stake of every registered
// pool, paging through the pool list.
func (k *KoiosObserver) GetCurrentStakeDistribution(ctx context.Context) (map[string]uint64, error) {
	stakes := make(map[string]uint64)
	for offset := 0; ; offset += koiosPageSize {
		q := url.Values{}
		q.Set("select", "pool_id_bech32,active_stake")
		q.Set("pool_status", "eq.registered")
		q.Set("limit", strconv.Itoa(koiosPageSize))
		q.Set("offset", strconv.Itoa(offset))

		var pools []koiosPool
		if err := k.get(ctx, "/pool_list", q, &pools); err != nil {
			return nil, err
		}
		for _, p := range pools {
			if p.ActiveStake == nil {
				continue
			}
			stake, err := strconv.ParseUint(*p.ActiveStake, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("pool %v stake: %w",
					p.PoolID, err)
			}
			if stake > 0 {
				stakes[p.PoolID] = stake
			}
		}
		if len(pools) < koiosPageSize {
			break
		}
	}
	if len(stakes) == 0 {
		return nil, nil
	}
	return stakes, nil
}

// GetCurrentChainPoint returns the tip as a chain point.
func (k *KoiosObserver) GetCurrentChainPoint(ctx context.Context) (*ChainPoint, error) {
	tip, err := k.tip(ctx)
	if err != nil || tip == nil {
		return nil, err
	}
	return &ChainPoint{
		SlotNumber:  tip.AbsSlot,
		BlockNumber: tip.BlockNo,
		BlockHash:   tip.Hash,
	}, nil
}
