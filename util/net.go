// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package util

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ErrorReply is the body of every error response.
type ErrorReply struct {
	Error string `json:"error"`
}

// RespondWithError replies with code and a JSON encoded message.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, ErrorReply{Error: message})
}

// RespondWithJSON replies with code and the JSON encoding of payload.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"could not encode reply"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// StatusError is returned by the client helpers for non 2xx replies.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v %v", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%v %v: %v", e.Code, http.StatusText(e.Code),
		e.Message)
}

// getError returns the error that is embedded in a JSON reply, or the raw
// body when it is not one.
func getError(body []byte) string {
	var e ErrorReply
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(body))
}

// do sends req and decodes a 2xx JSON reply into reply.  It returns the
// status code.
func do(c *http.Client, req *http.Request, reply interface{}) (int, error) {
	r, err := c.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP %v: %v", req.Method, err)
	}
	defer r.Body.Close()

	if r.StatusCode < 200 || r.StatusCode > 299 {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			return r.StatusCode, fmt.Errorf("invalid body: %v %v",
				r.StatusCode, err)
		}
		return r.StatusCode, &StatusError{
			Code:    r.StatusCode,
			Message: getError(body),
		}
	}

	if reply == nil {
		return r.StatusCode, nil
	}
	if err := json.NewDecoder(r.Body).Decode(reply); err != nil {
		return r.StatusCode, fmt.Errorf("invalid reply: %v", err)
	}
	return r.StatusCode, nil
}

// GetJSON fetches url and decodes the JSON reply.
func GetJSON(ctx context.Context, c *http.Client, url string, reply interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	_, err = do(c, req, reply)
	return err
}

// PostJSON posts the JSON encoding of v to url and decodes the JSON reply.
// It returns the status code so that callers can tell apart 2xx replies.
func PostJSON(ctx context.Context, c *http.Client, url string, v, reply interface{}) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url,
		bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(c, req, reply)
}
