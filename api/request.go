// File: api/request.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Request and RawResponse are the units that flow through a Pipeline.

package api

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// Request is an outgoing HTTP request owned by the caller until handed
// to a Pipeline. Policies may edit Header and Body in place.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   io.ReadSeeker

	bodyStart int64
}

// NewRequest builds a Request. body may be nil.
func NewRequest(method, rawURL string, body io.ReadSeeker) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, WrapError(ErrCodeInvalidArgument, "parse request url", err).
			WithContext("url", rawURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, NewError(ErrCodeInvalidArgument, "request url must be absolute").
			WithContext("url", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	r := &Request{
		Method: method,
		URL:    u,
		Header: make(http.Header),
		Body:   body,
	}
	if body != nil {
		pos, err := body.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, WrapError(ErrCodeInvalidArgument, "request body is not seekable", err)
		}
		r.bodyStart = pos
	}
	return r, nil
}

// NewRequestBytes is NewRequest with an in-memory body.
func NewRequestBytes(method, rawURL string, body []byte) (*Request, error) {
	if body == nil {
		return NewRequest(method, rawURL, nil)
	}
	return NewRequest(method, rawURL, bytes.NewReader(body))
}

// RewindBody seeks the body back to where it was when the request was built.
// Retrying policies call it before every attempt.
func (r *Request) RewindBody() error {
	if r.Body == nil {
		return nil
	}
	if _, err := r.Body.Seek(r.bodyStart, io.SeekStart); err != nil {
		return WrapError(ErrCodeInvalidArgument, "rewind request body", err)
	}
	return nil
}

// BodyLength returns the number of bytes between the body start and its end,
// leaving the read position rewound. It returns -1 for bodies that can't seek.
func (r *Request) BodyLength() int64 {
	if r.Body == nil {
		return 0
	}
	end, err := r.Body.Seek(0, io.SeekEnd)
	if err != nil {
		return -1
	}
	if err := r.RewindBody(); err != nil {
		return -1
	}
	return end - r.bodyStart
}

// Clone returns a copy with an independent header map. The body stream is shared.
func (r *Request) Clone() *Request {
	cp := *r
	u := *r.URL
	cp.URL = &u
	cp.Header = r.Header.Clone()
	if cp.Header == nil {
		cp.Header = make(http.Header)
	}
	return &cp
}

// RawResponse is the buffered result of one transport exchange.
// It is not modified after the transport returns it.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Status returns the canonical status text, e.g. "200 OK".
func (r *RawResponse) Status() string {
	return strconv.Itoa(r.StatusCode) + " " + http.StatusText(r.StatusCode)
}
