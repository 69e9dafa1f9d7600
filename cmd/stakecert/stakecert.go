// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	v1 "github.com/decred/stakecert/api/v1"
	v2 "github.com/decred/stakecert/api/v2"
	"github.com/decred/stakecert/stakecertd/aggregator/bls"
	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/certifier"
	"github.com/decred/stakecert/stakecertd/chain"
	"github.com/decred/stakecert/util"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const (
	stakecertClientID = "stakecert cli"
)

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

func newClient(skipVerify bool) *http.Client {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: skipVerify,
	}
	tr := &http.Transport{
		TLSClientConfig: tlsConfig,
	}
	return &http.Client{Transport: tr, Timeout: time.Minute}
}

// client talks to one daemon.  An empty chain uses the implicit surface.
type client struct {
	host     string
	chain    string
	http     *http.Client
	printRaw bool
	out      io.Writer

	quorum *certifier.Quorum // Daemon quorum, fetched once
	keys   *bls.Aggregator   // Signer keys fetched so far
}

// route returns the URL of a route below the chain of c.
func (c *client) route(elems ...string) string {
	if c.chain == "" {
		return c.host + v1.RoutePrefix + "/" + path.Join(elems...)
	}
	return c.host + v2.ChainPath(c.chain, elems...)
}

func (c *client) get(ctx context.Context, url string, reply interface{}) error {
	return util.GetJSON(ctx, c.http, url, reply)
}

func (c *client) post(ctx context.Context, url string, v, reply interface{}) (int, error) {
	return util.PostJSON(ctx, c.http, url, v, reply)
}

// printJSON writes v indented when raw output was requested.
func (c *client) printJSON(v interface{}) (bool, error) {
	if !c.printRaw {
		return false, nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return true, err
	}
	fmt.Fprintf(c.out, "%s\n", b)
	return true, nil
}

func (c *client) statusReply(ctx context.Context) (*v1.StatusReply, error) {
	route := v1.StatusRoute
	if c.chain != "" {
		route = v2.StatusRoute
	}
	var reply v1.StatusReply
	_, err := c.post(ctx, c.host+route, v1.Status{ID: stakecertClientID},
		&reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *client) status(ctx context.Context) error {
	reply, err := c.statusReply(ctx)
	if err != nil {
		return err
	}
	if ok, err := c.printJSON(reply); ok {
		return err
	}
	fmt.Fprintf(c.out, "Version      : %v\n", reply.Version)
	fmt.Fprintf(c.out, "Default chain: %v\n", reply.DefaultChain)
	fmt.Fprintf(c.out, "Quorum       : %v\n", reply.Quorum)
	return nil
}

func (c *client) chains(ctx context.Context) error {
	var reply v2.ChainsReply
	if err := c.get(ctx, c.host+v2.ChainsRoute, &reply); err != nil {
		return err
	}
	if ok, err := c.printJSON(reply); ok {
		return err
	}
	for _, ci := range reply.Chains {
		state := "enabled"
		if !ci.Enabled {
			state = "disabled"
		}
		def := ""
		if ci.Default {
			def = " (default)"
		}
		fmt.Fprintf(c.out, "%v%v %v\n", ci.ChainID, def, state)
		if !ci.Enabled {
			continue
		}
		fmt.Fprintf(c.out, "  %-15v: %v\n", "Interval", ci.Interval)
		fmt.Fprintf(c.out, "  %-15v: %v\n", "Finality delay",
			ci.FinalityDelay)
		fmt.Fprintf(c.out, "  %-15v: %v\n", "Kinds", ci.Kinds)
		if ci.HeadID != "" {
			fmt.Fprintf(c.out, "  %-15v: %v %v\n", "Head",
				ci.HeadEpoch, ci.HeadID)
		}
	}
	return nil
}

func (c *client) pending(ctx context.Context, kind string) error {
	u := c.route("certificate-pending")
	if kind != "" {
		u += "?kind=" + url.QueryEscape(kind)
	}
	var reply v1.CertificatePendingReply
	if err := c.get(ctx, u, &reply); err != nil {
		return err
	}
	if ok, err := c.printJSON(reply); ok {
		return err
	}
	fmt.Fprintf(c.out, "%v %v epoch %v\n", reply.ChainID, reply.Kind,
		reply.Epoch)
	fmt.Fprintf(c.out, "  %-15v: %v\n", "Digest", reply.MessageDigest)
	fmt.Fprintf(c.out, "  %-15v: %v/%v\n", "Stake", reply.BufferedStake,
		reply.TotalStake)
	fmt.Fprintf(c.out, "  %-15v: %v\n", "Signed", reply.Signed)
	return nil
}

func (c *client) printCertificate(cert *v1.Certificate) {
	fmt.Fprintf(c.out, "%v %v %v epoch %v\n", cert.ID, cert.ChainID,
		cert.Kind, cert.Epoch)
	parent := cert.ParentID
	if parent == "" {
		parent = "genesis"
	}
	fmt.Fprintf(c.out, "  %-15v: %v\n", "Parent", parent)
	fmt.Fprintf(c.out, "  %-15v: %v\n", "Digest", cert.MessageDigest)
	fmt.Fprintf(c.out, "  %-15v: %v\n", "Created",
		time.Unix(cert.CreatedAt, 0).UTC())

	keys := make([]string, 0, len(cert.ProtocolMessage))
	for k := range cert.ProtocolMessage {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.out, "  %-15v: %v\n", k, cert.ProtocolMessage[k])
	}
}

func (c *client) certificates(ctx context.Context, limit int) error {
	u := c.route("certificates")
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	var reply v1.CertificatesReply
	if err := c.get(ctx, u, &reply); err != nil {
		return err
	}
	if ok, err := c.printJSON(reply); ok {
		return err
	}
	for _, cert := range reply.Certificates {
		fmt.Fprintf(c.out, "%v epoch %-10v %v\n", cert.ID, cert.Epoch,
			cert.Kind)
	}
	return nil
}

// daemonQuorum returns the quorum the daemon certifies with.
func (c *client) daemonQuorum(ctx context.Context) (certifier.Quorum, error) {
	if c.quorum != nil {
		return *c.quorum, nil
	}
	reply, err := c.statusReply(ctx)
	if err != nil {
		return certifier.Quorum{}, err
	}
	q, err := certifier.ParseQuorum(reply.Quorum)
	if err != nil {
		return certifier.Quorum{}, err
	}
	c.quorum = &q
	return q, nil
}

// signerKey fetches the verification key of party on id unless it is known
// already.
func (c *client) signerKey(ctx context.Context, id chain.ID, party chain.ValidatorID) error {
	if c.keys == nil {
		c.keys = bls.New()
	}
	if _, err := c.keys.SignerKey(id, party); err == nil {
		return nil
	}
	if !v1.RegexpParty.MatchString(string(party)) ||
		strings.Trim(string(party), ".") == "" {
		return fmt.Errorf("invalid signer %q", party)
	}
	var reply v1.SignerKeyReply
	err := c.get(ctx, c.host+v2.ChainPath(id.String(), "signer-key",
		string(party)), &reply)
	if err != nil {
		return fmt.Errorf("key of signer %v: %w", party, err)
	}
	key, err := hex.DecodeString(reply.VerificationKey)
	if err != nil {
		return fmt.Errorf("key of signer %v: %w", party, err)
	}
	return c.keys.RegisterSigner(id, party, key)
}

// verifySignatures checks that the signers of cert hold a quorum of its stake
// and that its aggregate signature verifies under their keys.
func (c *client) verifySignatures(ctx context.Context, cert *backend.Certificate) error {
	q, err := c.daemonQuorum(ctx)
	if err != nil {
		return err
	}
	if err := verifyQuorum(cert, q); err != nil {
		return err
	}
	for _, s := range cert.Signers {
		if err := c.signerKey(ctx, cert.ChainID, s.Signer); err != nil {
			return fmt.Errorf("certificate %v: %w", cert.ID, err)
		}
	}
	if err := c.keys.VerifyCertificate(cert); err != nil {
		return fmt.Errorf("certificate %v: %w", cert.ID, err)
	}
	return nil
}

// fetch returns the verified certificate id, or the genesis certificate when
// id is empty.
func (c *client) fetch(ctx context.Context, id string) (*v1.CertificateReply, *backend.Certificate, error) {
	u := c.route("genesis")
	if id != "" {
		if _, ok := convertDigest(id); !ok {
			return nil, nil, fmt.Errorf("invalid certificate id: %v",
				id)
		}
		u = c.route("certificate", id)
	}
	var reply v1.CertificateReply
	if err := c.get(ctx, u, &reply); err != nil {
		return nil, nil, err
	}
	cert, err := verifyCertificate(&reply)
	if err != nil {
		return &reply, nil, err
	}
	if id != "" && cert.ID != id {
		return &reply, nil, fmt.Errorf("asked for %v got %v", id, cert.ID)
	}
	if err := c.verifySignatures(ctx, cert); err != nil {
		return &reply, nil, err
	}
	return &reply, cert, nil
}

func (c *client) certificate(ctx context.Context, id string) error {
	reply, _, err := c.fetch(ctx, id)
	if err != nil {
		return err
	}
	if ok, err := c.printJSON(reply); ok {
		return err
	}
	c.printCertificate(&reply.Certificate)
	fmt.Fprintf(c.out, "  %-15v: %v\n", "Proofs", "OK")
	fmt.Fprintf(c.out, "  %-15v: %v\n", "Signatures", "OK")
	return nil
}

// verifyChain walks the chain from id, the newest certificate when empty,
// back to genesis.
func (c *client) verifyChain(ctx context.Context, id string) error {
	if id == "" {
		var reply v1.CertificatesReply
		err := c.get(ctx, c.route("certificates")+"?limit=1", &reply)
		if err != nil {
			return err
		}
		if len(reply.Certificates) == 0 {
			fmt.Fprintf(c.out, "No certificates\n")
			return nil
		}
		id = reply.Certificates[0].ID
	}

	_, head, err := c.fetch(ctx, id)
	if err != nil {
		return err
	}
	n, err := backend.VerifyChain(head, func(id string) (*backend.Certificate, error) {
		_, cert, err := c.fetch(ctx, id)
		return cert, err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%v: %v certificates OK\n", head.ChainID, n)
	return nil
}

func (c *client) registerSigner(ctx context.Context, party, key string) error {
	var reply v1.RegisterSignerReply
	_, err := c.post(ctx, c.route("register-signer"), v1.RegisterSigner{
		ID:              uuid.NewString(),
		Party:           party,
		VerificationKey: key,
	}, &reply)
	if err != nil {
		return err
	}
	if ok, err := c.printJSON(reply); ok {
		return err
	}
	fmt.Fprintf(c.out, "%v registered\n", reply.Party)
	return nil
}

func (c *client) registerSignature(ctx context.Context, rs v1.RegisterSignature) error {
	rs.ID = uuid.NewString()
	if c.chain != "" {
		rs.ChainID = c.chain
		rs.Chain = c.chain
	}
	var reply v1.RegisterSignatureReply
	_, err := c.post(ctx, c.route("register-signatures"), rs, &reply)
	if err != nil {
		var se *util.StatusError
		if errors.As(err, &se) && se.Code == http.StatusGone {
			return fmt.Errorf("epoch %v is no longer open: %v",
				rs.Epoch, se.Message)
		}
		return err
	}
	if ok, err := c.printJSON(reply); ok {
		return err
	}
	fmt.Fprintf(c.out, "%v %v\n", rs.Party, reply.Result)
	if reply.CertificateID != "" {
		fmt.Fprintf(c.out, "  %-15v: %v\n", "Certificate",
			reply.CertificateID)
	}
	return nil
}

func (c *client) requireChain() error {
	if c.chain == "" {
		return errors.New("--chain is required")
	}
	return nil
}

func (c *client) epoch(ctx context.Context) error {
	if err := c.requireChain(); err != nil {
		return err
	}
	var reply v2.EpochReply
	if err := c.get(ctx, c.route("epoch"), &reply); err != nil {
		return err
	}
	if ok, err := c.printJSON(reply); ok {
		return err
	}
	fmt.Fprintf(c.out, "%v epoch %v\n", reply.ChainID, reply.Epoch)
	return nil
}

func (c *client) signer(ctx context.Context, party string, epoch int64) error {
	if err := c.requireChain(); err != nil {
		return err
	}
	u := c.route("signers", party)
	if epoch >= 0 {
		u += "?epoch=" + strconv.FormatInt(epoch, 10)
	}
	var reply v2.SignerReply
	if err := c.get(ctx, u, &reply); err != nil {
		return err
	}
	if ok, err := c.printJSON(reply); ok {
		return err
	}
	state := "inactive"
	if reply.Active {
		state = "active"
	}
	fmt.Fprintf(c.out, "%v %v epoch %v: %v\n", reply.ChainID, reply.Party,
		reply.Epoch, state)
	return nil
}

// newRootCmd returns the command tree.  c is set up before any subcommand
// runs.
func newRootCmd(c *client) *cobra.Command {
	var (
		host       string
		configFile string
		noTLS      bool
		skipVerify bool
	)
	root := &cobra.Command{
		Use:           "stakecert",
		Short:         "Query and verify stake certificates",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if !f.Changed("host") && cfg.Host != "" {
				host = cfg.Host
			}
			if !f.Changed("chain") {
				c.chain = cfg.Chain
			}
			noTLS = noTLS || cfg.NoTLS
			skipVerify = skipVerify || cfg.SkipVerify

			if host == "" {
				host = v1.DefaultMainnetHost
			}
			scheme := "https://"
			if noTLS {
				scheme = "http://"
			}
			u, err := url.Parse(scheme + normalizeAddress(host,
				v1.DefaultMainnetPort))
			if err != nil {
				return err
			}
			c.host = u.String()
			if c.http == nil {
				c.http = newClient(skipVerify)
			}
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&host, "host", "", "Daemon host")
	pf.StringVar(&c.chain, "chain", "", "Chain to query, the daemon "+
		"default chain when empty")
	pf.StringVar(&configFile, "configfile", defaultConfigFile,
		"Path to configuration file")
	pf.BoolVar(&noTLS, "notls", false, "Talk plain HTTP to the daemon")
	pf.BoolVar(&skipVerify, "skipverify", false, "Do not verify the "+
		"daemon certificate")
	pf.BoolVar(&c.printRaw, "json", false, "Print JSON replies")

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.status(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "chains",
		Short: "List declared chains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.chains(cmd.Context())
		},
	})

	var kind string
	pending := &cobra.Command{
		Use:   "pending",
		Short: "Show the open message accepting signatures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.pending(cmd.Context(), kind)
		},
	}
	pending.Flags().StringVar(&kind, "kind", "", "Entity kind")
	root.AddCommand(pending)

	var limit int
	certificates := &cobra.Command{
		Use:   "certificates",
		Short: "List certificates, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.certificates(cmd.Context(), limit)
		},
	}
	certificates.Flags().IntVar(&limit, "limit", 0, "Number of certificates")
	root.AddCommand(certificates)

	root.AddCommand(&cobra.Command{
		Use:   "certificate <id>",
		Short: "Show and verify a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.certificate(cmd.Context(), args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "genesis",
		Short: "Show and verify the genesis certificate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.certificate(cmd.Context(), "")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "verify-chain [id]",
		Short: "Verify the certificate chain down to genesis",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return c.verifyChain(cmd.Context(), id)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "register-signer <party> <key>",
		Short: "Register the hex encoded verification key of a signer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.registerSigner(cmd.Context(), args[0], args[1])
		},
	})

	var rs v1.RegisterSignature
	registerSignature := &cobra.Command{
		Use:   "register-signature <party> <epoch> <signature>",
		Short: "Submit a hex encoded partial signature",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			epoch, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid epoch: %v", err)
			}
			rs.Party = args[0]
			rs.Epoch = epoch
			rs.Signature = args[2]
			return c.registerSignature(cmd.Context(), rs)
		},
	}
	registerSignature.Flags().StringVar(&rs.Kind, "kind", "", "Entity kind")
	root.AddCommand(registerSignature)

	root.AddCommand(&cobra.Command{
		Use:   "epoch",
		Short: "Show the current epoch of --chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.epoch(cmd.Context())
		},
	})

	var signerEpoch int64
	signer := &cobra.Command{
		Use:   "signer <party>",
		Short: "Show whether a party is an active validator of --chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.signer(cmd.Context(), args[0], signerEpoch)
		},
	}
	signer.Flags().Int64Var(&signerEpoch, "epoch", -1, "Epoch, the "+
		"current one when negative")
	root.AddCommand(signer)

	return root
}

func _main() error {
	c := &client{out: os.Stdout}
	return newRootCmd(c).ExecuteContext(context.Background())
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
