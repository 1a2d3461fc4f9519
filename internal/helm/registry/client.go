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

package registry

import (
	"crypto/tls"
	"io"
	"net/http"
	"os"

	"helm.sh/helm/v3/pkg/registry"
	"k8s.io/apimachinery/pkg/util/errors"
)

// ClientGenerator generates a registry client and, when isLogin is set, a
// temporary credentials file for it. The file keeps the login session out of
// the user's Docker configuration and is meant to be removed once the run is
// over.
func ClientGenerator(tlsConfig *tls.Config, isLogin, plainHTTP bool) (*registry.Client, string, error) {
	if !isLogin {
		rClient, err := newClient("", tlsConfig, plainHTTP)
		if err != nil {
			return nil, "", err
		}
		return rClient, "", nil
	}

	credentialsFile, err := os.CreateTemp("", "credentials")
	if err != nil {
		return nil, "", err
	}
	if err := credentialsFile.Close(); err != nil {
		return nil, "", err
	}

	rClient, err := newClient(credentialsFile.Name(), tlsConfig, plainHTTP)
	if err != nil {
		errs := []error{err}
		if err := os.Remove(credentialsFile.Name()); err != nil {
			errs = append(errs, err)
		}
		return nil, "", errors.NewAggregate(errs)
	}
	return rClient, credentialsFile.Name(), nil
}

func newClient(credentialsFile string, tlsConfig *tls.Config, plainHTTP bool) (*registry.Client, error) {
	opts := []registry.ClientOption{
		registry.ClientOptWriter(io.Discard),
	}
	if tlsConfig != nil {
		opts = append(opts, registry.ClientOptHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: tlsConfig,
			},
		}))
	}
	if plainHTTP {
		opts = append(opts, registry.ClientOptPlainHTTP())
	}
	if credentialsFile != "" {
		opts = append(opts, registry.ClientOptCredentialsFile(credentialsFile))
	}
	return registry.NewClient(opts...)
}
