// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"strings"
	"testing"

	v1 "github.com/decred/stakecert/api/v1"
	v2 "github.com/decred/stakecert/api/v2"
	"github.com/decred/stakecert/merkle"
	"github.com/decred/stakecert/stakecertd/aggregator/bls"
	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/certifier"
	"github.com/decred/stakecert/stakecertd/chain"
	"github.com/stretchr/testify/require"
)

func testSigner(t *testing.T, v chain.ValidatorID) *bls.Signer {
	t.Helper()
	s, err := bls.NewSigner(bytes.Repeat([]byte(v), 32))
	require.NoError(t, err)
	return s
}

// seal signs c with the keys of its signers and recomputes its id.
func seal(t *testing.T, c *backend.Certificate) {
	t.Helper()
	agg := bls.New()
	sd := chain.NewStakeDistribution(c.Epoch)
	sigs := make([]backend.SingleSignature, 0, len(c.Signers))
	for _, s := range c.Signers {
		k := testSigner(t, s.Signer)
		pub, err := k.PublicKey()
		require.NoError(t, err)
		require.NoError(t, agg.RegisterSigner(c.ChainID, s.Signer, pub))
		sd.Add(s.Signer, s.Stake)
		sigs = append(sigs, backend.SingleSignature{
			Signer:    s.Signer,
			ChainID:   c.ChainID,
			Signature: k.Sign(c.ChainID, s.Signer, c.MessageDigest),
		})
	}
	a, err := agg.Aggregate(c.ChainID, c.MessageDigest, sigs, sd)
	require.NoError(t, err)
	c.AggregateSignature = a
	c.ID = c.ComputeID()
}

// newCertificate returns a certificate signed by a and b, two thirds of the
// stake.
func newCertificate(t *testing.T, parent *backend.Certificate, epoch uint64) *backend.Certificate {
	t.Helper()
	id := chain.ID("fake-a")
	pm := backend.NewProtocolMessage()
	pm.Set(backend.PartChainID, string(id))
	pm.Set(backend.PartEpoch, "epoch")
	pm.Set(backend.PartCommitment, hex.EncodeToString([]byte{byte(epoch)}))
	c := &backend.Certificate{
		ChainID: id,
		SignedEntityType: backend.SignedEntityType{
			Chain: id,
			Kind:  backend.KindStateRoot,
		},
		Epoch:           epoch,
		ProtocolMessage: pm,
		MessageDigest:   pm.Digest(),
		Signers: []backend.SignerStake{
			{Signer: "a", Stake: 100},
			{Signer: "b", Stake: 100},
		},
		TotalStake: 300,
		CreatedAt:  int64(1700000000 + epoch),
	}
	if parent != nil {
		c.ParentID = parent.ID
	}
	seal(t, c)
	return c
}

func toWire(c *backend.Certificate) *v1.CertificateReply {
	r := &v1.CertificateReply{
		Certificate: v1.Certificate{
			ID:                 c.ID,
			ChainID:            string(c.ChainID),
			Kind:               string(c.SignedEntityType.Kind),
			Epoch:              c.Epoch,
			ProtocolMessage:    make(map[string]string),
			MessageDigest:      c.DigestHex(),
			AggregateSignature: hex.EncodeToString(c.AggregateSignature),
			TotalStake:         c.TotalStake,
			ParentID:           c.ParentID,
			CreatedAt:          c.CreatedAt,
		},
		Proofs: make(map[string]merkle.Branch),
	}
	for k, v := range c.ProtocolMessage.Parts {
		r.Certificate.ProtocolMessage[string(k)] = v
		r.Proofs[string(k)] = *c.ProtocolMessage.Proof(k)
	}
	for _, s := range c.Signers {
		r.Certificate.Signers = append(r.Certificate.Signers,
			v1.SignerStake{Party: string(s.Signer), Stake: s.Stake})
	}
	return r
}

func TestVerifyCertificate(t *testing.T) {
	c := newCertificate(t, nil, 10)

	cert, err := verifyCertificate(toWire(c))
	require.NoError(t, err)
	require.Equal(t, c.ID, cert.ID)
	require.Equal(t, c.Signers, cert.Signers)

	r := toWire(c)
	r.Certificate.ProtocolMessage[string(backend.PartEpoch)] = "11"
	_, err = verifyCertificate(r)
	require.Error(t, err)

	r = toWire(c)
	r.Certificate.Epoch = 11
	_, err = verifyCertificate(r)
	require.Error(t, err)

	r = toWire(c)
	delete(r.Proofs, string(backend.PartChainID))
	_, err = verifyCertificate(r)
	require.Error(t, err)

	r = toWire(c)
	r.Certificate.MessageDigest = "zz"
	_, err = verifyCertificate(r)
	require.Error(t, err)

	// Signers and stake are covered by the id.
	r = toWire(c)
	r.Certificate.Signers[1].Stake = 200
	_, err = verifyCertificate(r)
	require.ErrorContains(t, err, "computed id")

	r = toWire(c)
	r.Certificate.TotalStake = 150
	_, err = verifyCertificate(r)
	require.ErrorContains(t, err, "computed id")

	r = toWire(c)
	r.Certificate.Signers = r.Certificate.Signers[:1]
	_, err = verifyCertificate(r)
	require.ErrorContains(t, err, "computed id")
}

func TestVerifyQuorum(t *testing.T) {
	c := newCertificate(t, nil, 10)
	require.NoError(t, verifyQuorum(c, certifier.DefaultQuorum))
	require.Error(t, verifyQuorum(c, certifier.Quorum{Num: 1, Den: 1}))

	c.Signers[1].Stake = 99
	require.ErrorContains(t, verifyQuorum(c, certifier.DefaultQuorum),
		"below quorum")

	c.Signers[1] = c.Signers[0]
	require.ErrorContains(t, verifyQuorum(c, certifier.DefaultQuorum),
		"duplicate signer")

	c.Signers[1] = backend.SignerStake{Signer: "b", Stake: math.MaxUint64}
	require.ErrorContains(t, verifyQuorum(c, certifier.DefaultQuorum),
		"overflows")

	c.Signers[1].Stake = 300
	require.ErrorContains(t, verifyQuorum(c, certifier.DefaultQuorum),
		"a total of")

	c.Signers = nil
	require.Error(t, verifyQuorum(c, certifier.DefaultQuorum))
}

// newServer serves certs on the implicit surface together with the status
// and the keys of a, b and c.  The last certificate is the newest.
func newServer(t *testing.T, certs ...*backend.Certificate) *httptest.Server {
	t.Helper()
	byID := make(map[string]*backend.Certificate)
	for _, c := range certs {
		byID[c.ID] = c
	}
	respond := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}

	m := http.NewServeMux()
	m.HandleFunc(v1.CertificatesRoute, func(w http.ResponseWriter, r *http.Request) {
		reply := v1.CertificatesReply{Certificates: []v1.Certificate{}}
		for i := len(certs) - 1; i >= 0; i-- {
			reply.Certificates = append(reply.Certificates,
				toWire(certs[i]).Certificate)
		}
		respond(w, reply)
	})
	m.HandleFunc(v1.RoutePrefix+"/certificate/", func(w http.ResponseWriter, r *http.Request) {
		c, ok := byID[filepath.Base(r.URL.Path)]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			respond(w, map[string]string{"error": "not found"})
			return
		}
		respond(w, toWire(c))
	})
	m.HandleFunc(v1.GenesisRoute, func(w http.ResponseWriter, r *http.Request) {
		respond(w, toWire(certs[0]))
	})
	status := func(w http.ResponseWriter, r *http.Request) {
		respond(w, v1.StatusReply{
			DefaultChain: "fake-a",
			Quorum:       certifier.DefaultQuorum.String(),
		})
	}
	m.HandleFunc(v1.StatusRoute, status)
	m.HandleFunc(v2.StatusRoute, status)
	keys := make(map[string]string)
	for _, v := range []chain.ValidatorID{"a", "b", "c"} {
		pub, err := testSigner(t, v).PublicKey()
		require.NoError(t, err)
		keys[string(v)] = hex.EncodeToString(pub)
	}
	m.HandleFunc(v2.ChainPath("fake-a", "signer-key")+"/", func(w http.ResponseWriter, r *http.Request) {
		party := path.Base(r.URL.Path)
		key, ok := keys[party]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			respond(w, map[string]string{"error": "not found"})
			return
		}
		respond(w, v1.SignerKeyReply{
			ChainID:         "fake-a",
			Party:           party,
			VerificationKey: key,
		})
	})
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifySignatures(t *testing.T) {
	good := newCertificate(t, nil, 10)

	// Lower stake keeps the aggregate valid but misses the quorum.
	low := newCertificate(t, nil, 10)
	low.Signers[1].Stake = 50
	low.ID = low.ComputeID()

	// Signers cannot claim more than the total.
	high := newCertificate(t, nil, 10)
	high.Signers[0].Stake = 1000
	high.ID = high.ComputeID()

	// Dropping a signer and moving its stake breaks the aggregate.
	dropped := newCertificate(t, nil, 10)
	dropped.Signers = []backend.SignerStake{{Signer: "a", Stake: 300}}
	dropped.ID = dropped.ComputeID()

	// So does listing a signer that did not sign.
	extra := newCertificate(t, nil, 10)
	extra.Signers = append(extra.Signers,
		backend.SignerStake{Signer: "c", Stake: 100})
	extra.ID = extra.ComputeID()

	// An aggregate made for another chain.
	other := newCertificate(t, nil, 10)
	other.ChainID = "fake-b"
	seal(t, other)
	other.ChainID = "fake-a"
	other.ID = other.ComputeID()

	// Signers without a published key.
	unknown := newCertificate(t, nil, 10)
	unknown.Signers[1].Signer = "z"
	seal(t, unknown)

	srv := newServer(t, good, low, high, dropped, extra, other, unknown)
	c := &client{host: srv.URL, http: srv.Client(), out: io.Discard}
	ctx := context.Background()

	_, cert, err := c.fetch(ctx, good.ID)
	require.NoError(t, err)
	require.Equal(t, good.ID, cert.ID)

	tests := []struct {
		name string
		cert *backend.Certificate
		want string
	}{
		{"low", low, "below quorum"},
		{"high", high, "a total of"},
		{"dropped", dropped, "does not verify"},
		{"extra", extra, "does not verify"},
		{"other", other, "does not verify"},
		{"unknown", unknown, "key of signer z"},
	}
	for _, test := range tests {
		_, _, err := c.fetch(ctx, test.cert.ID)
		if err == nil {
			t.Fatalf("%v: expected error", test.name)
		}
		if !strings.Contains(err.Error(), test.want) {
			t.Fatalf("%v: want %q got %v", test.name, test.want, err)
		}
	}
}

func TestVerifyChain(t *testing.T) {
	genesis := newCertificate(t, nil, 10)
	second := newCertificate(t, genesis, 20)
	third := newCertificate(t, second, 30)

	srv := newServer(t, genesis, second, third)
	var out bytes.Buffer
	c := &client{host: srv.URL, http: srv.Client(), out: &out}

	require.NoError(t, c.verifyChain(context.Background(), ""))
	require.Contains(t, out.String(), "fake-a: 3 certificates OK")

	out.Reset()
	require.NoError(t, c.verifyChain(context.Background(), second.ID))
	require.Contains(t, out.String(), "fake-a: 2 certificates OK")

	// A parent that does not exist breaks the chain.
	orphan := newCertificate(t, third, 40)
	orphan.ParentID = strings.Repeat("ab", 32)
	orphan.ID = orphan.ComputeID()
	srv = newServer(t, genesis, orphan)
	c = &client{host: srv.URL, http: srv.Client(), out: &out}
	require.Error(t, c.verifyChain(context.Background(), ""))

	// Epochs must decrease towards genesis.
	late := newCertificate(t, third, 5)
	srv = newServer(t, genesis, second, third, late)
	c = &client{host: srv.URL, http: srv.Client(), out: &out}
	require.Error(t, c.verifyChain(context.Background(), ""))
}

func TestRootCmd(t *testing.T) {
	genesis := newCertificate(t, nil, 10)
	srv := newServer(t, genesis)

	var out bytes.Buffer
	c := &client{out: &out}
	root := newRootCmd(c)
	root.SetArgs([]string{
		"--host", strings.TrimPrefix(srv.URL, "http://"),
		"--notls",
		"--configfile", filepath.Join(t.TempDir(), "none.conf"),
		"genesis",
	})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.Contains(t, out.String(), genesis.ID)
	require.Contains(t, out.String(), "Proofs         : OK")
	require.Contains(t, out.String(), "Signatures     : OK")

	out.Reset()
	c = &client{out: &out}
	root = newRootCmd(c)
	root.SetArgs([]string{
		"--host", strings.TrimPrefix(srv.URL, "http://"),
		"--notls",
		"--configfile", filepath.Join(t.TempDir(), "none.conf"),
		"--json",
		"certificates",
	})
	require.NoError(t, root.ExecuteContext(context.Background()))
	var reply v1.CertificatesReply
	require.NoError(t, json.Unmarshal(out.Bytes(), &reply))
	require.Len(t, reply.Certificates, 1)

	// Chain scoped queries need a chain.
	c = &client{out: &out}
	root = newRootCmd(c)
	root.SetArgs([]string{
		"--host", strings.TrimPrefix(srv.URL, "http://"),
		"--notls",
		"--configfile", filepath.Join(t.TempDir(), "none.conf"),
		"epoch",
	})
	require.Error(t, root.ExecuteContext(context.Background()))
}

func TestRoute(t *testing.T) {
	c := &client{host: "https://localhost:49252"}
	require.Equal(t, "https://localhost:49252/v1/certificates",
		c.route("certificates"))
	c.chain = "ethereum-holesky"
	require.Equal(t,
		"https://localhost:49252/v2/ethereum-holesky/certificate/ab",
		c.route("certificate", "ab"))
}
