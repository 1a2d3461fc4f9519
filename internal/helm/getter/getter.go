/*
Copyright 2020 The Flux authors
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

package getter

import (
	"crypto/tls"
	"fmt"
	"net/url"

	"github.com/docker/go-connections/tlsconfig"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/registry"
)

// Providers are the getters for the chart sources the downloader supports.
var Providers = getter.Providers{
	getter.Provider{
		Schemes: []string{"http", "https"},
		New:     getter.NewHTTPGetter,
	},
	getter.Provider{
		Schemes: []string{registry.OCIScheme},
		New:     getter.NewOCIGetter,
	},
}

// BasicAuth returns a basic auth getter.Option for the given credentials.
//
// Empty credentials are ignored, if only one of the fields is set it returns
// an error.
func BasicAuth(username, password string) (getter.Option, error) {
	switch {
	case username == "" && password == "":
		return nil, nil
	case username == "" || password == "":
		return nil, fmt.Errorf("invalid credentials: both username and password are required")
	}
	return getter.WithBasicAuth(username, password), nil
}

// TLSClientConfig constructs a TLS client config from PEM files on disk,
// with the server name set to the host of repositoryURL.
//
// When no files are given and insecure is false it returns nil. A cert file
// without a key file, or the other way around, is an error. The CA file
// extends the system certificate pool.
func TLSClientConfig(certFile, keyFile, caFile string, insecure bool, repositoryURL string) (*tls.Config, error) {
	switch {
	case certFile == "" && keyFile == "" && caFile == "" && !insecure:
		return nil, nil
	case (certFile != "" && keyFile == "") || (keyFile != "" && certFile == ""):
		return nil, fmt.Errorf("invalid TLS configuration: cert file and key file require each other's presence")
	}

	tlsConf, err := tlsconfig.Client(tlsconfig.Options{
		CAFile:             caFile,
		CertFile:           certFile,
		KeyFile:            keyFile,
		InsecureSkipVerify: insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to construct TLS config: %w", err)
	}

	u, err := url.Parse(repositoryURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse repository URL: %w", err)
	}
	tlsConf.ServerName = u.Hostname()

	return tlsConf, nil
}
