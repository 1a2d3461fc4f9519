/*
Copyright 2022 The Flux authors
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

// Package transport keeps a pool of HTTP transports shared by the chart
// repository clients, so connections to the same hosts are reused across
// index and chart downloads.
package transport

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

var errNilTransport = errors.New("cannot release nil transport")

var pool = &sync.Pool{
	New: func() interface{} {
		return &http.Transport{
			DisableCompression: true,
			Proxy:              http.ProxyFromEnvironment,
			IdleConnTimeout:    60 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	},
}

// NewOrIdle returns an idle transport from the pool, or a new one when
// none is available. tlsConfig is set as the TLSClientConfig and may be nil.
func NewOrIdle(tlsConfig *tls.Config) *http.Transport {
	t := pool.Get().(*http.Transport)
	t.TLSClientConfig = tlsConfig
	return t
}

// Release resets the TLS configuration of the transport and puts it back
// into the pool.
func Release(t *http.Transport) error {
	if t == nil {
		return errNilTransport
	}
	t.TLSClientConfig = nil
	pool.Put(t)
	return nil
}
