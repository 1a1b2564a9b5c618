// Copyright 2025 The mailsort Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracehttp dumps HTTP traffic for debugging API interactions.
package tracehttp

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
)

type traceTransport struct {
	delegate http.RoundTripper
	log      *slog.Logger
}

// RoundTrip logs a dump of the request and response while delegating
// the round trip to the delegate.  Bodies are included; do not enable
// tracing where logs are collected.
func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if dump, err := httputil.DumpRequestOut(req, true); err == nil {
		t.log.Debug("http request", "dump", string(dump))
	}
	resp, err := t.delegate.RoundTrip(req)
	if err == nil {
		if dump, dumpErr := httputil.DumpResponse(resp, true); dumpErr == nil {
			t.log.Debug("http response", "dump", string(dump))
		}
	}
	return resp, err
}

// Wrap returns a RoundTripper that dumps traffic to log before
// delegating to d.
func Wrap(d http.RoundTripper, log *slog.Logger) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	if log == nil {
		log = slog.Default()
	}
	return &traceTransport{delegate: d, log: log}
}

// WrapDefaultTransport injects tracing into http.DefaultTransport, so
// clients built later pick it up.
func WrapDefaultTransport(log *slog.Logger) {
	http.DefaultTransport = Wrap(http.DefaultTransport, log)
}
