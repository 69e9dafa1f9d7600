// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/certifier"
	"github.com/decred/stakecert/stakecertd/chain"
	"github.com/decred/stakecert/stakecertd/metrics"
	"github.com/robfig/cron"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPollInterval is how often a chain is polled when its
	// configuration does not say.
	DefaultPollInterval = time.Minute

	// DefaultTimeout bounds a single observer query.
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrUnknownChain is returned by Tick for chains that were not added.
	ErrUnknownChain = errors.New("chain not scheduled")

	// ErrBusy is returned by Tick when the previous cycle of the chain
	// is still running.
	ErrBusy = errors.New("previous cycle still running")
)

// Opener opens messages.  It is satisfied by *certifier.Certifier.
type Opener interface {
	OpenMessage(ctx context.Context, set backend.SignedEntityType, epoch uint64, pm backend.ProtocolMessage, sd *chain.StakeDistribution) (*backend.OpenMessage, error)
}

// Chain is the schedule of one chain.
type Chain struct {
	Observer      chain.Observer
	Interval      uint64        // Certification interval in chain epochs
	FinalityDelay uint64        // Epochs to wait past a boundary
	PollInterval  time.Duration // How often the chain is polled
	Timeout       time.Duration // Bound of a single observer query
	Kinds         []backend.EntityKind
}

type entry struct {
	Chain

	running int32 // Set while a cycle runs
}

// Runner polls every chain on its own cadence and opens messages for new
// targets.  Observer failures skip the cycle; they never stop the runner or
// affect other chains.
type Runner struct {
	mtx     sync.Mutex
	chains  map[chain.ID]*entry
	cron    *cron.Cron
	started bool

	opener  Opener
	tracker *Tracker
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // In flight cron cycles

	// testing only entries
	newBackOff func(*entry) backoff.BackOff
}

// NewRunner returns a runner that opens messages with opener and records
// targets in tracker.
func NewRunner(opener Opener, tracker *Tracker, m *metrics.Metrics) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		chains:  make(map[chain.ID]*entry),
		cron:    cron.New(),
		opener:  opener,
		tracker: tracker,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddChain schedules c.  Chains must be added before Start.
func (r *Runner) AddChain(c Chain) error {
	if c.Observer == nil {
		return errors.New("no observer")
	}
	id := c.Observer.ChainID()
	if c.Interval == 0 {
		return fmt.Errorf("%v: zero certification interval", id)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if len(c.Kinds) == 0 {
		c.Kinds = []backend.EntityKind{backend.KindStateRoot}
	}
	for _, k := range c.Kinds {
		if !k.Valid() {
			return fmt.Errorf("%v: %w: %v", id, certifier.ErrInvalidKind,
				k)
		}
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.started {
		return errors.New("runner already started")
	}
	if _, ok := r.chains[id]; ok {
		return fmt.Errorf("%v: already scheduled", id)
	}
	r.chains[id] = &entry{Chain: c}

	log.Infof("%v: scheduled every %v, interval %v finality %v kinds %v",
		id, c.PollInterval, c.Interval, c.FinalityDelay, c.Kinds)

	return nil
}

// Chains returns the scheduled chains in order.
func (r *Runner) Chains() []chain.ID {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ids := make([]chain.ID, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Start launches one cron entry per chain.
func (r *Runner) Start() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.started {
		return errors.New("runner already started")
	}
	for id, e := range r.chains {
		id := id
		spec := fmt.Sprintf("@every %v", e.PollInterval)
		err := r.cron.AddFunc(spec, func() {
			r.mtx.Lock()
			if !r.started {
				r.mtx.Unlock()
				return
			}
			r.wg.Add(1)
			r.mtx.Unlock()
			defer r.wg.Done()

			err := r.Tick(r.ctx, id)
			switch {
			case errors.Is(err, ErrBusy):
				log.Debugf("%v: %v", id, err)
			case err != nil:
				log.Errorf("%v: cycle skipped: %v", id, err)
			}
		})
		if err != nil {
			return fmt.Errorf("%v: %v", id, err)
		}
	}
	r.cron.Start()
	r.started = true
	return nil
}

// Stop stops the cron, cancels cycles in flight and waits for them.
func (r *Runner) Stop() {
	r.mtx.Lock()
	started := r.started
	r.started = false
	r.mtx.Unlock()

	r.cancel()
	if started {
		r.cron.Stop()
	}
	r.wg.Wait()
}

// TickAll runs one cycle of every chain concurrently.  It returns the first
// error; a failing chain does not stop the others.
func (r *Runner) TickAll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range r.Chains() {
		id := id
		g.Go(func() error {
			return r.Tick(ctx, id)
		})
	}
	return g.Wait()
}

// Tick runs one cycle of chain id: read the current epoch, and for every
// kind with a new target fetch the stake distribution and commitment and
// open the message.
func (r *Runner) Tick(ctx context.Context, id chain.ID) error {
	r.mtx.Lock()
	e, ok := r.chains[id]
	r.mtx.Unlock()
	if !ok {
		return ErrUnknownChain
	}
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		r.metrics.Tick(id.String(), "busy")
		return ErrBusy
	}
	defer atomic.StoreInt32(&e.running, 0)

	var info *chain.EpochInfo
	err := r.query(ctx, e, func(ctx context.Context) error {
		var err error
		info, err = e.Observer.CurrentEpoch(ctx)
		return err
	})
	if err != nil {
		r.metrics.Tick(id.String(), "failed")
		return fmt.Errorf("current epoch: %w", err)
	}

	var errs []error
	for _, kind := range e.Kinds {
		set := backend.SignedEntityType{Chain: id, Kind: kind}
		outcome, err := r.cycle(ctx, e, set, info.Epoch)
		r.metrics.Tick(id.String(), outcome)
		if err != nil {
			errs = append(errs, fmt.Errorf("%v: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

// cycle opens the next target of set, if any, and returns the outcome.
func (r *Runner) cycle(ctx context.Context, e *entry, set backend.SignedEntityType, epoch uint64) (string, error) {
	target, ok := r.tracker.Next(set, epoch, e.Interval, e.FinalityDelay)
	if !ok {
		return "idle", nil
	}

	var (
		sd *chain.StakeDistribution
		sc *chain.StateCommitment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.query(gctx, e, func(ctx context.Context) error {
			var err error
			sd, err = e.Observer.StakeDistribution(ctx, target)
			return err
		})
	})
	if set.Kind == backend.KindStateRoot {
		g.Go(func() error {
			return r.query(gctx, e, func(ctx context.Context) error {
				var err error
				sc, err = e.Observer.StateCommitment(ctx, target)
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		return "failed", fmt.Errorf("epoch %v: %w", target, err)
	}

	var pm backend.ProtocolMessage
	switch set.Kind {
	case backend.KindStateRoot:
		if sc.ChainID != set.Chain || sc.Epoch != target {
			return "failed", fmt.Errorf("epoch %v: commitment for "+
				"%v epoch %v", target, sc.ChainID, sc.Epoch)
		}
		pm = backend.StateRootMessage(sc)
	case backend.KindStakeDistribution:
		pm = backend.StakeDistributionMessage(set.Chain, sd)
	}

	_, err := r.opener.OpenMessage(ctx, set, target, pm, sd)
	switch {
	case errors.Is(err, certifier.ErrStaleTarget):
		// Certified or superseded elsewhere, do not retry it.
		log.Debugf("%v: epoch %v: %v", set, target, err)
		r.tracker.Opened(set, target)
		return "stale", nil
	case err != nil:
		return "failed", fmt.Errorf("open epoch %v: %w", target, err)
	}
	r.tracker.Opened(set, target)

	log.Infof("%v: opened target %v at chain epoch %v", set, target, epoch)

	return "opened", nil
}

func (r *Runner) backOff(e *entry) backoff.BackOff {
	if r.newBackOff != nil {
		return r.newBackOff(e)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = e.PollInterval / 2
	return b
}

// query runs op with a per attempt timeout and retries transient failures.
func (r *Runner) query(ctx context.Context, e *entry, op func(context.Context) error) error {
	id := e.Observer.ChainID()
	err := backoff.Retry(func() error {
		qctx, cancel := context.WithTimeout(ctx, e.Timeout)
		defer cancel()
		err := op(qctx)
		switch {
		case err == nil:
			return nil
		case chain.IsPermanent(err), ctx.Err() != nil:
			return backoff.Permanent(err)
		}
		log.Debugf("%v: retrying: %v", id, err)
		return err
	}, backoff.WithContext(r.backOff(e), ctx))
	if err != nil {
		kind := "timeout"
		if k, ok := chain.KindOf(err); ok {
			kind = k.String()
		} else if !errors.Is(err, context.DeadlineExceeded) {
			kind = "other"
		}
		r.metrics.ObserverError(id.String(), kind)
	}
	return err
}
