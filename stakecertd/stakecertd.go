// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	v1 "github.com/decred/stakecert/api/v1"
	v2 "github.com/decred/stakecert/api/v2"
	"github.com/decred/stakecert/stakecertd/aggregator/bls"
	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/backend/filesystem"
	"github.com/decred/stakecert/stakecertd/backend/memory"
	"github.com/decred/stakecert/stakecertd/backend/postgres"
	"github.com/decred/stakecert/stakecertd/certifier"
	"github.com/decred/stakecert/stakecertd/chain"
	"github.com/decred/stakecert/stakecertd/metrics"
	"github.com/decred/stakecert/stakecertd/router"
	"github.com/decred/stakecert/stakecertd/scheduler"
	"github.com/decred/stakecert/util"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

const (
	forward = "X-Forwarded-For"

	// maxBody bounds request bodies.
	maxBody = 1 << 20

	// observerTimeout bounds observer queries made on behalf of clients.
	observerTimeout = 30 * time.Second
)

// StakeCert application context.
type StakeCert struct {
	cfg        *config
	store      backend.Store
	aggregator *bls.Aggregator
	certifier  *certifier.Certifier
	tracker    *scheduler.Tracker
	runner     *scheduler.Runner
	router     *router.Router
	metrics    *metrics.Metrics
	mux        *mux.Router
}

// scopedHandler serves a request on one chain.
type scopedHandler func(http.ResponseWriter, *http.Request, *router.Scope)

// via returns the remote address of r for the audit trail.
func via(r *http.Request) string {
	xff := r.Header.Get(forward)
	if xff != "" {
		return fmt.Sprintf("%v via %v", xff, r.RemoteAddr)
	}
	return r.RemoteAddr
}

// respondError maps err to a status code.  Unexpected errors are logged with
// an error code that is handed to the client instead of the error.
func (d *StakeCert) respondError(w http.ResponseWriter, r *http.Request, what string, err error) {
	var (
		code = http.StatusInternalServerError
		oe   *chain.ObserverError
	)
	switch {
	case errors.Is(err, router.ErrChainNotSupported),
		errors.Is(err, certifier.ErrNoOpenMessage),
		errors.Is(err, backend.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, certifier.ErrExpired):
		code = http.StatusGone
	case errors.Is(err, certifier.ErrUnregisteredSigner):
		code = http.StatusPreconditionFailed
	case errors.Is(err, certifier.ErrChainTypeMismatch),
		errors.Is(err, certifier.ErrUnknownOrInactiveSigner),
		errors.Is(err, certifier.ErrInvalidSignature),
		errors.Is(err, certifier.ErrEpochMismatch),
		errors.Is(err, certifier.ErrInvalidKind),
		errors.Is(err, backend.ErrInvalidChainID),
		errors.Is(err, bls.ErrInvalidKey):
		code = http.StatusBadRequest
	case errors.Is(err, bls.ErrKeyExists):
		code = http.StatusConflict
	case errors.As(err, &oe):
		log.Infof("%v %v: %v", via(r), what, err)
		util.RespondWithError(w, http.StatusBadGateway,
			fmt.Sprintf("chain %v unavailable", oe.Chain))
		return
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}

	if code != http.StatusInternalServerError {
		log.Debugf("%v %v: %v", via(r), what, err)
		util.RespondWithError(w, code, err.Error())
		return
	}

	// Generic internal error.
	errorCode := time.Now().Unix()
	log.Errorf("%v %v error code %v: %v", via(r), what, errorCode, err)
	util.RespondWithError(w, code, fmt.Sprintf("Could not %v, contact "+
		"administrator and provide the following error code: %v", what,
		errorCode))
}

// implicit serves h on the default chain.
func (d *StakeCert) implicit(h scopedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := d.router.Default()
		if err != nil {
			d.respondError(w, r, "route request", err)
			return
		}
		h(w, r, s)
	}
}

// explicit serves h on the chain named by the route.
func (d *StakeCert) explicit(h scopedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chain.ID(mux.Vars(r)[v2.ChainVar])
		s, err := d.router.Scope(id)
		if err != nil {
			d.respondError(w, r, "route request", err)
			return
		}
		h(w, r, s)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := decoder.Decode(v); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return false
	}
	return true
}

func (d *StakeCert) status(w http.ResponseWriter, r *http.Request) {
	var s v1.Status
	if r.Method == http.MethodPost {
		if !decode(w, r, &s) {
			return
		}
	}
	util.RespondWithJSON(w, http.StatusOK, v1.StatusReply{
		ID:           s.ID,
		Version:      version(),
		DefaultChain: d.router.DefaultID().String(),
		Quorum:       d.certifier.Quorum().String(),
	})
}

func (d *StakeCert) registerSignature(w http.ResponseWriter, r *http.Request, s *router.Scope) {
	var rs v1.RegisterSignature
	if !decode(w, r, &rs) {
		return
	}
	sig, err := convertSignature(&rs)
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, cert, err := s.RegisterSignature(r.Context(), sig)
	if err != nil {
		d.respondError(w, r, "register signature", err)
		return
	}

	reply := v1.RegisterSignatureReply{
		ID:     rs.ID,
		Result: string(result),
	}
	if cert != nil {
		reply.CertificateID = cert.ID
	}
	code := http.StatusAccepted
	switch result {
	case certifier.ResultCertified:
		code = http.StatusCreated
		log.Infof("Certificate %v: %v epoch %v by %v", cert.ID,
			cert.SignedEntityType, cert.Epoch, via(r))
	case certifier.ResultAlreadyCertified:
		code = http.StatusOK
	}
	log.Debugf("Signature %v: %v %v epoch %v: %v", via(r), s.ID(),
		sig.Signer, sig.Epoch, result)

	util.RespondWithJSON(w, code, reply)
}

func (d *StakeCert) registerSigner(w http.ResponseWriter, r *http.Request, s *router.Scope) {
	var rs v1.RegisterSigner
	if !decode(w, r, &rs) {
		return
	}
	if !v1.RegexpParty.MatchString(rs.Party) {
		util.RespondWithError(w, http.StatusBadRequest, "invalid party")
		return
	}
	key, err := hex.DecodeString(rs.VerificationKey)
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"invalid verification key encoding")
		return
	}
	err = s.RegisterSigner(chain.ValidatorID(rs.Party), key)
	if err != nil {
		d.respondError(w, r, "register signer", err)
		return
	}

	log.Infof("Signer %v: registered %v on %v", via(r), rs.Party, s.ID())

	util.RespondWithJSON(w, http.StatusOK, v1.RegisterSignerReply{
		ID:    rs.ID,
		Party: rs.Party,
	})
}

func (d *StakeCert) signerKey(w http.ResponseWriter, r *http.Request, s *router.Scope) {
	party := mux.Vars(r)["party"]
	if !v1.RegexpParty.MatchString(party) {
		util.RespondWithError(w, http.StatusBadRequest, "invalid party")
		return
	}
	key, err := s.SignerKey(chain.ValidatorID(party))
	if errors.Is(err, backend.ErrUnknownSigner) {
		util.RespondWithError(w, http.StatusNotFound,
			"no key registered for "+party)
		return
	}
	if err != nil {
		d.respondError(w, r, "get signer key", err)
		return
	}
	util.RespondWithJSON(w, http.StatusOK, v1.SignerKeyReply{
		ChainID:         s.ID().String(),
		Party:           party,
		VerificationKey: hex.EncodeToString(key),
	})
}

func (d *StakeCert) certificatePending(w http.ResponseWriter, r *http.Request, s *router.Scope) {
	kind := backend.EntityKind(r.URL.Query().Get("kind"))
	om, err := s.PendingMessage(kind)
	if err != nil {
		d.respondError(w, r, "get pending certificate", err)
		return
	}
	util.RespondWithJSON(w, http.StatusOK, convertPending(om))
}

func (d *StakeCert) certificates(w http.ResponseWriter, r *http.Request, s *router.Scope) {
	limit := v1.DefaultCertificatesLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		var err error
		limit, err = strconv.Atoi(l)
		if err != nil || limit <= 0 {
			util.RespondWithError(w, http.StatusBadRequest,
				"invalid limit")
			return
		}
		if limit > v1.MaxCertificatesLimit {
			limit = v1.MaxCertificatesLimit
		}
	}

	certs, err := s.Certificates(limit)
	if err != nil {
		d.respondError(w, r, "list certificates", err)
		return
	}
	reply := v1.CertificatesReply{
		Certificates: make([]v1.Certificate, 0, len(certs)),
	}
	for _, c := range certs {
		reply.Certificates = append(reply.Certificates,
			convertCertificate(c))
	}
	util.RespondWithJSON(w, http.StatusOK, reply)
}

func respondCertificate(w http.ResponseWriter, c *backend.Certificate) {
	util.RespondWithJSON(w, http.StatusOK, v1.CertificateReply{
		Certificate: convertCertificate(c),
		Proofs:      convertProofs(c),
	})
}

func (d *StakeCert) certificate(w http.ResponseWriter, r *http.Request, s *router.Scope) {
	id := strings.ToLower(mux.Vars(r)["id"])
	c, err := s.Certificate(id)
	if err != nil {
		d.respondError(w, r, "get certificate", err)
		return
	}
	respondCertificate(w, c)
}

func (d *StakeCert) genesis(w http.ResponseWriter, r *http.Request, s *router.Scope) {
	c, err := s.Genesis()
	if err != nil {
		d.respondError(w, r, "get genesis", err)
		return
	}
	respondCertificate(w, c)
}

func (d *StakeCert) chains(w http.ResponseWriter, r *http.Request) {
	reply := v2.ChainsReply{Chains: []v2.ChainInfo{}}
	for _, route := range d.router.Routes() {
		cc := route.Config
		info := v2.ChainInfo{
			ChainID:       route.ID().String(),
			Type:          cc.Type,
			Network:       cc.Network,
			Enabled:       route.Enabled(),
			Default:       route.ID() == d.router.DefaultID(),
			Interval:      cc.Interval,
			FinalityDelay: *cc.FinalityDelay,
			Metadata:      route.Observer.Metadata(),
		}
		for _, k := range route.Kinds() {
			info.Kinds = append(info.Kinds, string(k))
		}
		head, err := d.store.Head(route.ID())
		switch {
		case err == nil:
			info.HeadEpoch = head.Epoch
			info.HeadID = head.ID
		case !errors.Is(err, backend.ErrNotFound):
			d.respondError(w, r, "list chains", err)
			return
		}
		reply.Chains = append(reply.Chains, info)
	}
	util.RespondWithJSON(w, http.StatusOK, reply)
}

func queryTimeout(s *router.Scope) time.Duration {
	if t := s.Route().Config.Timeout; t > 0 {
		return t
	}
	return observerTimeout
}

func (d *StakeCert) epoch(w http.ResponseWriter, r *http.Request, s *router.Scope) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout(s))
	defer cancel()
	info, err := s.CurrentEpoch(ctx)
	if err != nil {
		d.respondError(w, r, "get epoch", err)
		return
	}
	reply := v2.EpochReply{
		ChainID:   s.ID().String(),
		Epoch:     info.Epoch,
		StartTime: info.StartTime,
	}
	if info.EndTime != nil {
		reply.EndTime = *info.EndTime
	}
	util.RespondWithJSON(w, http.StatusOK, reply)
}

func (d *StakeCert) signer(w http.ResponseWriter, r *http.Request, s *router.Scope) {
	party := mux.Vars(r)["party"]
	if !v1.RegexpParty.MatchString(party) {
		util.RespondWithError(w, http.StatusBadRequest, "invalid party")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout(s))
	defer cancel()

	var epoch uint64
	if e := r.URL.Query().Get("epoch"); e != "" {
		var err error
		epoch, err = strconv.ParseUint(e, 10, 64)
		if err != nil {
			util.RespondWithError(w, http.StatusBadRequest,
				"invalid epoch")
			return
		}
	} else {
		info, err := s.CurrentEpoch(ctx)
		if err != nil {
			d.respondError(w, r, "get epoch", err)
			return
		}
		epoch = info.Epoch
	}

	active, err := s.IsValidatorActive(ctx, chain.ValidatorID(party), epoch)
	if err != nil {
		d.respondError(w, r, "get signer", err)
		return
	}
	util.RespondWithJSON(w, http.StatusOK, v2.SignerReply{
		ChainID: s.ID().String(),
		Party:   party,
		Epoch:   epoch,
		Active:  active,
	})
}

// setupRoutes registers the implicit and the explicit surface.
func (d *StakeCert) setupRoutes() {
	d.mux = mux.NewRouter()

	// Implicit surface, served by the default chain.
	d.mux.HandleFunc(v1.StatusRoute, d.status).Methods("GET", "POST")
	d.mux.HandleFunc(v1.RegisterSignaturesRoute,
		d.implicit(d.registerSignature)).Methods("POST")
	d.mux.HandleFunc(v1.RegisterSignerRoute,
		d.implicit(d.registerSigner)).Methods("POST")
	d.mux.HandleFunc(v1.SignerKeyRoute,
		d.implicit(d.signerKey)).Methods("GET")
	d.mux.HandleFunc(v1.CertificatePendingRoute,
		d.implicit(d.certificatePending)).Methods("GET")
	d.mux.HandleFunc(v1.CertificatesRoute,
		d.implicit(d.certificates)).Methods("GET")
	d.mux.HandleFunc(v1.CertificateRoute,
		d.implicit(d.certificate)).Methods("GET")
	d.mux.HandleFunc(v1.GenesisRoute,
		d.implicit(d.genesis)).Methods("GET")

	// Explicit surface.
	d.mux.HandleFunc(v2.StatusRoute, d.status).Methods("GET", "POST")
	d.mux.HandleFunc(v2.ChainsRoute, d.chains).Methods("GET")
	d.mux.HandleFunc(v2.RegisterSignaturesRoute,
		d.explicit(d.registerSignature)).Methods("POST")
	d.mux.HandleFunc(v2.RegisterSignerRoute,
		d.explicit(d.registerSigner)).Methods("POST")
	d.mux.HandleFunc(v2.SignerKeyRoute,
		d.explicit(d.signerKey)).Methods("GET")
	d.mux.HandleFunc(v2.CertificatePendingRoute,
		d.explicit(d.certificatePending)).Methods("GET")
	d.mux.HandleFunc(v2.CertificatesRoute,
		d.explicit(d.certificates)).Methods("GET")
	d.mux.HandleFunc(v2.CertificateRoute,
		d.explicit(d.certificate)).Methods("GET")
	d.mux.HandleFunc(v2.GenesisRoute,
		d.explicit(d.genesis)).Methods("GET")
	d.mux.HandleFunc(v2.EpochRoute,
		d.explicit(d.epoch)).Methods("GET")
	d.mux.HandleFunc(v2.SignerRoute,
		d.explicit(d.signer)).Methods("GET")

	if d.metrics != nil {
		d.mux.Handle("/metrics", d.metrics.Handler()).Methods("GET")
	}

	d.mux.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		util.RespondWithError(w, http.StatusNotFound, "not found")
	})
}

// accessLog writes combined access log lines to the daemon log.
type accessLog struct{}

func (accessLog) Write(p []byte) (int, error) {
	log.Debugf("%s", strings.TrimSpace(string(p)))
	return len(p), nil
}

// recoveryLog reports handler panics.
type recoveryLog struct{}

func (recoveryLog) Println(v ...interface{}) {
	log.Errorf("handler panic: %v", fmt.Sprint(v...))
}

// handler returns the mux wrapped in access logging, panic recovery and
// compression.
func (d *StakeCert) handler() http.Handler {
	h := handlers.CompressHandler(d.mux)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLog{}),
		handlers.PrintRecoveryStack(true))(h)
	return handlers.CombinedLoggingHandler(accessLog{}, h)
}

// newStakeCert wires the certification pipeline of chains over store.
func newStakeCert(cfg *config, chains *router.Config, f *router.Factory, store backend.Store, m *metrics.Metrics) (*StakeCert, error) {
	d := &StakeCert{
		cfg:        cfg,
		store:      store,
		aggregator: bls.New(),
		tracker:    scheduler.NewTracker(),
		metrics:    m,
	}

	var err error
	d.certifier, err = certifier.New(certifier.Config{
		Store:      store,
		Aggregator: d.aggregator,
		Quorum: certifier.Quorum{
			Num: cfg.QuorumNum,
			Den: cfg.QuorumDen,
		},
		Metrics: m,
		OnCertified: func(c *backend.Certificate) {
			d.tracker.Certified(c.SignedEntityType, c.Epoch)
		},
	})
	if err != nil {
		return nil, err
	}

	d.router, err = router.New(chains, f, d.certifier, d.aggregator, store)
	if err != nil {
		return nil, err
	}

	// Certified epochs survive restarts through the store.  Certificates
	// are strictly epoch increasing per chain, so the head bounds every
	// kind of the chain.
	for _, route := range d.router.Routes() {
		head, err := store.Head(route.ID())
		switch {
		case errors.Is(err, backend.ErrNotFound):
			continue
		case err != nil:
			return nil, fmt.Errorf("%v: head: %v", route.ID(), err)
		}
		for _, k := range route.Kinds() {
			d.tracker.Certified(backend.SignedEntityType{
				Chain: route.ID(),
				Kind:  k,
			}, head.Epoch)
		}
		log.Infof("%v: head epoch %v certificate %v", route.ID(),
			head.Epoch, head.ID)
	}

	d.runner = scheduler.NewRunner(d.certifier, d.tracker, m)
	if err := d.router.Schedule(d.runner); err != nil {
		return nil, err
	}

	d.setupRoutes()

	return d, nil
}

func openStore(cfg *config) (backend.Store, error) {
	switch cfg.Backend {
	case "filesystem":
		return filesystem.New(cfg.DataDir)
	case "postgres":
		return postgres.New(cfg.PostgresUser, cfg.PostgresHost,
			cfg.PostgresDB, cfg.PostgresRootCert, cfg.PostgresCert,
			cfg.PostgresKey)
	case "memory":
		log.Warnf("Memory backend: certificates do not survive a restart")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("invalid backend %v", cfg.Backend)
}

func _main() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	loadedCfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version : %v", version())
	log.Infof("Backend : %v", loadedCfg.Backend)
	log.Infof("Quorum  : %v/%v", loadedCfg.QuorumNum, loadedCfg.QuorumDen)
	log.Infof("Home dir: %v", loadedCfg.HomeDir)
	log.Infof("Chains  : %v", loadedCfg.ChainsFile)

	// Create the data directory in case it does not exist.
	err = os.MkdirAll(loadedCfg.DataDir, 0700)
	if err != nil {
		return err
	}

	// Generate the TLS cert and key file if both don't already
	// exist.
	if !loadedCfg.DisableTLS && !util.FileExists(loadedCfg.HTTPSKey) &&
		!util.FileExists(loadedCfg.HTTPSCert) {
		log.Infof("Generating HTTPS keypair...")

		err := util.GenCertPair("stakecertd", loadedCfg.HTTPSCert,
			loadedCfg.HTTPSKey)
		if err != nil {
			return fmt.Errorf("unable to create https keypair: %v",
				err)
		}

		log.Infof("HTTPS keypair created...")
	}

	chains, err := router.LoadChainsFile(loadedCfg.ChainsFile)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if !loadedCfg.DisableMetrics {
		m, err = metrics.New()
		if err != nil {
			return err
		}
	}

	store, err := openStore(loadedCfg)
	if err != nil {
		return err
	}
	defer store.Close()

	d, err := newStakeCert(loadedCfg, chains, router.NewFactory(), store,
		m)
	if err != nil {
		return err
	}

	if err := d.runner.Start(); err != nil {
		return err
	}
	defer d.runner.Stop()

	// Bind to a port and pass our router in
	listenC := make(chan error, len(loadedCfg.Listeners))
	servers := make([]*http.Server, 0, len(loadedCfg.Listeners))
	for _, listener := range loadedCfg.Listeners {
		srv := &http.Server{
			Addr:              listener,
			Handler:           d.handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)
		go func() {
			log.Infof("Listen: %v", srv.Addr)
			var err error
			if loadedCfg.DisableTLS {
				err = srv.ListenAndServe()
			} else {
				err = srv.ListenAndServeTLS(loadedCfg.HTTPSCert,
					loadedCfg.HTTPSKey)
			}
			if !errors.Is(err, http.ErrServerClosed) {
				listenC <- err
			}
		}()
	}

	// Tell user we are ready to go.
	log.Infof("Start of day")

	// Setup OS signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Infof("Terminating with %v", sig)
	case err := <-listenC:
		log.Errorf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		loadedCfg.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("Shutdown %v: %v", srv.Addr, err)
		}
	}

	log.Infof("Exiting")

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
