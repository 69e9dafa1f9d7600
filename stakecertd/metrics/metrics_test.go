// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNil(t *testing.T) {
	var m *Metrics
	m.Signature("x-net", "buffered")
	m.Certificate("x-net", "StateRoot", 1)
	m.OpenMessage("x-net", "StateRoot", "pending")
	m.BufferedStake("x-net", "StateRoot", 1, 2)
	m.ObserverError("x-net", "connection")
	m.Tick("x-net", "skipped")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m, err := newMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.Signature("x-net", "buffered")
	m.Signature("x-net", "buffered")
	m.Signature("y-net", "mismatch")
	require.Equal(t, 2.0, testutil.ToFloat64(
		m.signatures.WithLabelValues("x-net", "buffered")))
	require.Equal(t, 1.0, testutil.ToFloat64(
		m.signatures.WithLabelValues("y-net", "mismatch")))

	m.Certificate("x-net", "StateRoot", 675)
	require.Equal(t, 675.0, testutil.ToFloat64(
		m.certifiedAt.WithLabelValues("x-net")))

	m.BufferedStake("x-net", "StateRoot", 100, 300)
	m.BufferedStake("x-net", "StateRoot", 100, 0)
	require.InDelta(t, 1.0/3, testutil.ToFloat64(
		m.bufferedStake.WithLabelValues("x-net", "StateRoot")), 1e-9)
}

func TestDoubleRegister(t *testing.T) {
	r := prometheus.NewRegistry()
	_, err := newMetrics(r)
	require.NoError(t, err)
	_, err = newMetrics(r)
	require.Error(t, err)
}

func TestHandler(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	m.Tick("x-net", "certified")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body),
		`stakecert_scheduler_ticks_total{chain="x-net",outcome="certified"} 1`))
}
