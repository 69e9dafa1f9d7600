// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/decred/slog"
	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/certifier"
	"github.com/decred/stakecert/stakecertd/chain"
	"github.com/decred/stakecert/stakecertd/scheduler"
)

var (
	// ErrChainNotSupported is returned for chains that are not declared
	// or not enabled.
	ErrChainNotSupported = errors.New("chain not supported")

	errSignersUnavailable = errors.New("signer registration not available")

	log = slog.Disabled
)

// UseLogger sets the subsystem logger for this package.
func UseLogger(l slog.Logger) {
	log = l
}

// Certifier is the signature pipeline.  It is satisfied by
// *certifier.Certifier.
type Certifier interface {
	RegisterSignature(ctx context.Context, id chain.ID, sig backend.SingleSignature) (certifier.Result, *backend.Certificate, error)
	PendingMessage(set backend.SignedEntityType) (*backend.OpenMessage, error)
}

// SignerRegistry records signer verification keys per chain.  It is
// satisfied by *bls.Aggregator.
type SignerRegistry interface {
	RegisterSigner(id chain.ID, party chain.ValidatorID, key []byte) error
	SignerKey(id chain.ID, party chain.ValidatorID) ([]byte, error)
}

// Route is a declared chain and its observer.  Disabled chains carry a
// chain.Unsupported observer.
type Route struct {
	Config   ChainConfig
	Observer chain.Observer
}

// ID returns the chain id.
func (r *Route) ID() chain.ID {
	return r.Config.ID()
}

// Enabled returns true if the chain is served.
func (r *Route) Enabled() bool {
	return r.Config.Enabled
}

// Kinds returns the certified entity kinds.
func (r *Route) Kinds() []backend.EntityKind {
	if len(r.Config.Kinds) == 0 {
		return []backend.EntityKind{backend.KindStateRoot}
	}
	return r.Config.Kinds
}

// Router dispatches chain qualified requests.  The set of routes is fixed at
// construction.
type Router struct {
	def    chain.ID
	routes map[chain.ID]*Route
	order  []chain.ID

	certifier Certifier
	signers   SignerRegistry
	store     backend.Store
}

// New builds a route for every chain of cfg.  An enabled chain that cannot be
// built is an error; disabled chains are never built.
func New(cfg *Config, f *Factory, c Certifier, signers SignerRegistry, store backend.Store) (*Router, error) {
	if cfg == nil || f == nil || c == nil || store == nil {
		return nil, errors.New("config, factory, certifier and store " +
			"are required")
	}
	r := &Router{
		def:       cfg.Default,
		routes:    make(map[chain.ID]*Route, len(cfg.Chains)),
		certifier: c,
		signers:   signers,
		store:     store,
	}
	for _, cc := range cfg.Chains {
		route, err := f.Build(cc)
		if err != nil {
			return nil, err
		}
		id := route.ID()
		if _, ok := r.routes[id]; ok {
			return nil, fmt.Errorf("%v: duplicate", id)
		}
		r.routes[id] = route
		r.order = append(r.order, id)

		if !route.Enabled() {
			log.Infof("%v: disabled", id)
			continue
		}
		log.Infof("%v: enabled, interval %v finality %v", id,
			route.Config.Interval, *route.Config.FinalityDelay)
		if err := r.loadSigners(id); err != nil {
			return nil, fmt.Errorf("%v: load signers: %w", id, err)
		}
	}
	if _, ok := r.routes[r.def]; !ok {
		return nil, fmt.Errorf("default chain %v is not declared", r.def)
	}
	return r, nil
}

// loadSigners hands the stored signer keys of id to the registry.
func (r *Router) loadSigners(id chain.ID) error {
	if r.signers == nil {
		return nil
	}
	keys, err := r.store.SignerKeys(id)
	if err != nil {
		return err
	}
	for party, key := range keys {
		if err := r.signers.RegisterSigner(id, party, key); err != nil {
			return fmt.Errorf("%v: %w", party, err)
		}
	}
	if len(keys) > 0 {
		log.Infof("%v: loaded %v signer keys", id, len(keys))
	}
	return nil
}

// DefaultID returns the chain of the implicit surface.
func (r *Router) DefaultID() chain.ID {
	return r.def
}

// Routes returns every declared chain in declaration order.
func (r *Router) Routes() []*Route {
	routes := make([]*Route, 0, len(r.order))
	for _, id := range r.order {
		routes = append(routes, r.routes[id])
	}
	return routes
}

// Scope returns the explicit surface of chain id.
func (r *Router) Scope(id chain.ID) (*Scope, error) {
	route, ok := r.routes[id]
	if !ok || !route.Enabled() {
		return nil, fmt.Errorf("%w: %v", ErrChainNotSupported, id)
	}
	return &Scope{router: r, route: route}, nil
}

// Default returns the implicit surface.  It differs from the explicit
// surface of the default chain only in that signatures without a chain are
// attributed to the default chain.
func (r *Router) Default() (*Scope, error) {
	s, err := r.Scope(r.def)
	if err != nil {
		return nil, err
	}
	s.implicit = true
	return s, nil
}

// Schedule adds every enabled chain to runner.
func (r *Router) Schedule(runner *scheduler.Runner) error {
	for _, route := range r.Routes() {
		if !route.Enabled() {
			continue
		}
		cc := route.Config
		err := runner.AddChain(scheduler.Chain{
			Observer:      route.Observer,
			Interval:      cc.Interval,
			FinalityDelay: *cc.FinalityDelay,
			PollInterval:  cc.PollInterval,
			Timeout:       cc.Timeout,
			Kinds:         route.Kinds(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Scope is the certification surface of one enabled chain.  Every call is
// scoped to that chain.
type Scope struct {
	router   *Router
	route    *Route
	implicit bool
}

// ID returns the chain of the scope.
func (s *Scope) ID() chain.ID {
	return s.route.ID()
}

// Route returns the route of the scope.
func (s *Scope) Route() *Route {
	return s.route
}

func (s *Scope) kind(k backend.EntityKind) backend.EntityKind {
	if k == "" {
		return s.route.Kinds()[0]
	}
	return k
}

// RegisterSignature submits sig to the chain.  An empty kind selects the
// first configured kind.  On the implicit surface an empty chain is filled
// in; a signature that names another chain is still refused by the
// certifier.
func (s *Scope) RegisterSignature(ctx context.Context, sig backend.SingleSignature) (certifier.Result, *backend.Certificate, error) {
	id := s.ID()
	if s.implicit {
		if sig.ChainID == "" {
			sig.ChainID = id
		}
		if sig.SignedEntityType.Chain == "" {
			sig.SignedEntityType.Chain = id
		}
	}
	sig.SignedEntityType.Kind = s.kind(sig.SignedEntityType.Kind)
	return s.router.certifier.RegisterSignature(ctx, id, sig)
}

// RegisterSigner records the verification key of party and persists it so
// that it survives a restart.
func (s *Scope) RegisterSigner(party chain.ValidatorID, key []byte) error {
	if s.router.signers == nil {
		return errSignersUnavailable
	}
	if err := s.router.signers.RegisterSigner(s.ID(), party,
		key); err != nil {
		return err
	}
	return s.router.store.PutSignerKey(s.ID(), party, key)
}

// SignerKey returns the registered verification key of party.  Parties
// without a key yield backend.ErrUnknownSigner.
func (s *Scope) SignerKey(party chain.ValidatorID) ([]byte, error) {
	if s.router.signers == nil {
		return nil, errSignersUnavailable
	}
	return s.router.signers.SignerKey(s.ID(), party)
}

// PendingMessage returns the pending open message of kind, the first
// configured kind when empty.
func (s *Scope) PendingMessage(kind backend.EntityKind) (*backend.OpenMessage, error) {
	return s.router.certifier.PendingMessage(backend.SignedEntityType{
		Chain: s.ID(),
		Kind:  s.kind(kind),
	})
}

// Certificate returns certificate certID of the chain.
func (s *Scope) Certificate(certID string) (*backend.Certificate, error) {
	return s.router.store.Certificate(s.ID(), certID)
}

// Certificates returns up to limit certificates, newest first.
func (s *Scope) Certificates(limit int) ([]*backend.Certificate, error) {
	return s.router.store.Certificates(s.ID(), limit)
}

// Head returns the newest certificate.
func (s *Scope) Head() (*backend.Certificate, error) {
	return s.router.store.Head(s.ID())
}

// Genesis returns the first certificate.
func (s *Scope) Genesis() (*backend.Certificate, error) {
	return s.router.store.Genesis(s.ID())
}

// CurrentEpoch queries the chain.
func (s *Scope) CurrentEpoch(ctx context.Context) (*chain.EpochInfo, error) {
	return s.route.Observer.CurrentEpoch(ctx)
}

// IsValidatorActive queries the chain.
func (s *Scope) IsValidatorActive(ctx context.Context, v chain.ValidatorID, epoch uint64) (bool, error) {
	return s.route.Observer.IsValidatorActive(ctx, v, epoch)
}
