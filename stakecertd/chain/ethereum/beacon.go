// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the beacon node answers 404.
	ErrNotFound = errors.New("not found")
)

// DecodeError is returned when a beacon node reply does not match the
// expected schema.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %v: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: http status %v: %v", e.Path, e.Code, e.Body)
}

// Uint64 is a beacon API quantity, which is encoded as a decimal string.
type Uint64 uint64

// UnmarshalJSON accepts both quoted and bare decimal numbers.
func (u *Uint64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*u = Uint64(v)
	return nil
}

// BeaconHeader is the subset of a block header the observer uses.
type BeaconHeader struct {
	Slot          Uint64 `json:"slot"`
	ProposerIndex Uint64 `json:"proposer_index"`
	ParentRoot    string `json:"parent_root"`
	StateRoot     string `json:"state_root"`
	BodyRoot      string `json:"body_root"`
}

type headerReply struct {
	Data struct {
		Root   string `json:"root"`
		Header struct {
			Message BeaconHeader `json:"message"`
		} `json:"header"`
	} `json:"data"`
}

// Genesis describes the beacon chain genesis.
type Genesis struct {
	GenesisTime           Uint64 `json:"genesis_time"`
	GenesisValidatorsRoot string `json:"genesis_validators_root"`
	GenesisForkVersion    string `json:"genesis_fork_version"`
}

type genesisReply struct {
	Data Genesis `json:"data"`
}

// Validator is a beacon chain validator entry.
type Validator struct {
	Index     Uint64 `json:"index"`
	Balance   Uint64 `json:"balance"`
	Status    string `json:"status"`
	Validator struct {
		Pubkey           string `json:"pubkey"`
		EffectiveBalance Uint64 `json:"effective_balance"`
		Slashed          bool   `json:"slashed"`
	} `json:"validator"`
}

// Active returns true for the statuses that count towards stake.
func (v *Validator) Active() bool {
	switch v.Status {
	case "active_ongoing", "active_exiting", "active_slashed":
		return true
	}
	return false
}

type validatorsReply struct {
	Data []Validator `json:"data"`
}

type validatorReply struct {
	Data Validator `json:"data"`
}

// ExecutionPayload is the execution layer part of a post-merge block.
type ExecutionPayload struct {
	BlockNumber Uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	ParentHash  string `json:"parent_hash"`
	StateRoot   string `json:"state_root"`
	Timestamp   Uint64 `json:"timestamp"`
}

// BeaconBlock is the subset of a signed beacon block the observer uses.
type BeaconBlock struct {
	Slot          Uint64 `json:"slot"`
	ProposerIndex Uint64 `json:"proposer_index"`
	ParentRoot    string `json:"parent_root"`
	StateRoot     string `json:"state_root"`
	Body          struct {
		ExecutionPayload *ExecutionPayload `json:"execution_payload"`
	} `json:"body"`
}

type blockReply struct {
	Version string `json:"version"`
	Data    struct {
		Message BeaconBlock `json:"message"`
	} `json:"data"`
}

// Client is a minimal beacon node REST client.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient returns a client for the beacon node at endpoint.  Every request
// is bounded by timeout.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

// Endpoint returns the beacon node URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) get(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	r, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()

	switch r.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(r.Body, 512))
		return &StatusError{Path: path, Code: r.StatusCode,
			Body: string(body)}
	}

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &DecodeError{Path: path, Err: err}
	}
	return nil
}

// HeadHeader returns the header of the chain head.
func (c *Client) HeadHeader(ctx context.Context) (*BeaconHeader, error) {
	var reply headerReply
	if err := c.get(ctx, "/eth/v1/beacon/headers/head", &reply); err != nil {
		return nil, err
	}
	return &reply.Data.Header.Message, nil
}

// Genesis returns the genesis information.
func (c *Client) Genesis(ctx context.Context) (*Genesis, error) {
	var reply genesisReply
	if err := c.get(ctx, "/eth/v1/beacon/genesis", &reply); err != nil {
		return nil, err
	}
	return &reply.Data, nil
}

// Validators returns all validators in the state at slot.
func (c *Client) Validators(ctx context.Context, slot uint64) ([]Validator, error) {
	var reply validatorsReply
	path := fmt.Sprintf("/eth/v1/beacon/states/%d/validators", slot)
	if err := c.get(ctx, path, &reply); err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// Validator returns a single validator by pubkey or index in the state at
// slot.  Identifiers that cannot name a validator return ErrNotFound without
// a request.
func (c *Client) Validator(ctx context.Context, slot uint64, id string) (*Validator, error) {
	if strings.Trim(id, ".") == "" {
		return nil, fmt.Errorf("validator %q: %w", id, ErrNotFound)
	}
	var reply validatorReply
	path := fmt.Sprintf("/eth/v1/beacon/states/%d/validators/%s", slot,
		url.PathEscape(id))
	if err := c.get(ctx, path, &reply); err != nil {
		return nil, err
	}
	return &reply.Data, nil
}

// Block returns the beacon block at slot.  Empty slots return ErrNotFound.
func (c *Client) Block(ctx context.Context, slot uint64) (*BeaconBlock, error) {
	var reply blockReply
	path := fmt.Sprintf("/eth/v2/beacon/blocks/%d", slot)
	if err := c.get(ctx, path, &reply); err != nil {
		return nil, err
	}
	return &reply.Data.Message, nil
}
