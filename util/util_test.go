// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package util

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type echo struct {
	Value string `json:"value"`
}

func TestRespond(t *testing.T) {
	w := httptest.NewRecorder()
	RespondWithJSON(w, http.StatusCreated, echo{Value: "x"})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.JSONEq(t, `{"value":"x"}`, w.Body.String())

	w = httptest.NewRecorder()
	RespondWithError(w, http.StatusNotFound, "no such chain")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"error":"no such chain"}`, w.Body.String())
}

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			var e echo
			if r.Method == http.MethodPost {
				json.NewDecoder(r.Body).Decode(&e)
			} else {
				e.Value = "get"
			}
			RespondWithJSON(w, http.StatusAccepted, e)
		case "/fail":
			RespondWithError(w, http.StatusGone, "expired")
		default:
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down\n"))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	var e echo
	require.NoError(t, GetJSON(ctx, srv.Client(), srv.URL+"/ok", &e))
	require.Equal(t, "get", e.Value)

	code, err := PostJSON(ctx, srv.Client(), srv.URL+"/ok", echo{Value: "post"}, &e)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, "post", e.Value)

	err = GetJSON(ctx, srv.Client(), srv.URL+"/fail", &e)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusGone, se.Code)
	require.Equal(t, "expired", se.Message)

	err = GetJSON(ctx, srv.Client(), srv.URL+"/other", &e)
	require.True(t, errors.As(err, &se))
	require.Equal(t, "upstream down", se.Message)
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "f")
	require.False(t, FileExists(name))
	require.NoError(t, os.WriteFile(name, []byte("abc"), 0600))
	require.True(t, FileExists(name))

	d, err := DigestFile(name)
	require.NoError(t, err)
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", d)

	require.Equal(t, "", CleanAndExpandPath(""))
	require.Equal(t, filepath.Clean(dir), CleanAndExpandPath(dir+"/./"))
}

func TestGenCertPair(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "https.cert")
	key := filepath.Join(dir, "https.key")
	require.NoError(t, GenCertPair("stakecertd", cert, key))
	require.True(t, FileExists(cert))
	require.True(t, FileExists(key))
}
