/*
Copyright 2020 The Flux CD contributors.
Copyright 2026 The helm-image-downloader Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package testserver provides in-process servers for tests: a static file
// server that can act as a Helm chart repository, optionally behind basic
// auth.
package testserver

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
)

// NewTempHTTPServer returns an HTTP server with a new temporary docroot.
func NewTempHTTPServer() (*HTTP, error) {
	tmpDir, err := os.MkdirTemp("", "http-test-")
	if err != nil {
		return nil, err
	}
	return NewHTTPServer(tmpDir), nil
}

// NewHTTPServer returns an HTTP server serving files from docroot.
func NewHTTPServer(docroot string) *HTTP {
	root, err := filepath.Abs(docroot)
	if err != nil {
		panic(err)
	}
	return &HTTP{docroot: root}
}

// HTTP is a static file server for tests.
type HTTP struct {
	docroot    string
	middleware func(http.Handler) http.Handler
	server     *httptest.Server
}

// WithMiddleware wraps the file handler with m.
func (s *HTTP) WithMiddleware(m func(handler http.Handler) http.Handler) *HTTP {
	s.middleware = m
	return s
}

// WithBasicAuth rejects requests without the given credentials.
func (s *HTTP) WithBasicAuth(username, password string) *HTTP {
	return s.WithMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || u != username || p != password {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
}

func (s *HTTP) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler := http.FileServer(http.Dir(s.docroot))
		if s.middleware != nil {
			s.middleware(handler).ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// Start starts the server on a random local port.
func (s *HTTP) Start() {
	s.server = httptest.NewServer(s.handler())
}

// Stop shuts the server down.
func (s *HTTP) Stop() {
	if s.server != nil {
		s.server.Close()
	}
}

// Root returns the docroot of the server.
func (s *HTTP) Root() string {
	return s.docroot
}

// URL returns the base URL of the server, or an empty string if the server
// has not been started.
func (s *HTTP) URL() string {
	if s.server != nil {
		return s.server.URL
	}
	return ""
}

// Client returns an HTTP client that trusts the server.
func (s *HTTP) Client() *http.Client {
	if s.server != nil {
		return s.server.Client()
	}
	return http.DefaultClient
}
