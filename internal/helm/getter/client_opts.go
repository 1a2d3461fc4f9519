/*
Copyright 2023 The Flux authors
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
	"time"

	helmgetter "helm.sh/helm/v3/pkg/getter"
	helmreg "helm.sh/helm/v3/pkg/registry"
	"helm.sh/helm/v3/pkg/repo"

	"github.com/imgmirror/helm-image-downloader/internal/helm/registry"
)

// Credentials is the authentication and transport configuration of a chart
// source, as given on the command line or in a repositories file.
type Credentials struct {
	Username string
	Password string

	CertFile string
	KeyFile  string
	CAFile   string

	InsecureSkipTLSVerify bool
	PlainHTTP             bool
	PassCredentialsAll    bool

	// RegistryConfig is the Docker configuration file to take OCI
	// registry credentials from. Empty means the default Docker keychain.
	RegistryConfig string

	Timeout time.Duration
}

// WithEntry fills the empty fields of c from a repositories file entry.
func (c Credentials) WithEntry(e *repo.Entry) Credentials {
	if e == nil {
		return c
	}
	if c.Username == "" && c.Password == "" {
		c.Username, c.Password = e.Username, e.Password
	}
	if c.CertFile == "" && c.KeyFile == "" {
		c.CertFile, c.KeyFile = e.CertFile, e.KeyFile
	}
	if c.CAFile == "" {
		c.CAFile = e.CAFile
	}
	c.InsecureSkipTLSVerify = c.InsecureSkipTLSVerify || e.InsecureSkipTLSverify
	c.PassCredentialsAll = c.PassCredentialsAll || e.PassCredentialsAll
	return c
}

// ClientOpts contains the options to use while constructing a Helm
// repository client.
type ClientOpts struct {
	TLSConfig    *tls.Config
	GetterOpts   []helmgetter.Option
	RegLoginOpts []helmreg.LoginOption
	PlainHTTP    bool
}

// MustLoginToRegistry returns true if the client options contain at least
// one registry login option.
func (o ClientOpts) MustLoginToRegistry() bool {
	return len(o.RegLoginOpts) > 0 && o.RegLoginOpts[0] != nil
}

// GetClientOpts uses the credentials and a normalized repository URL to
// construct ClientOpts. If the URL points at an OCI registry, the options
// also carry the registry login mechanism: basic auth when a username is
// set, the Docker keychain otherwise.
func GetClientOpts(creds Credentials, url string) (*ClientOpts, error) {
	opts := &ClientOpts{
		GetterOpts: []helmgetter.Option{
			helmgetter.WithURL(url),
			helmgetter.WithPassCredentialsAll(creds.PassCredentialsAll),
			helmgetter.WithInsecureSkipVerifyTLS(creds.InsecureSkipTLSVerify),
			helmgetter.WithPlainHTTP(creds.PlainHTTP),
		},
		PlainHTTP: creds.PlainHTTP,
	}
	if creds.Timeout > 0 {
		opts.GetterOpts = append(opts.GetterOpts, helmgetter.WithTimeout(creds.Timeout))
	}

	tlsConfig, err := TLSClientConfig(creds.CertFile, creds.KeyFile, creds.CAFile, creds.InsecureSkipTLSVerify, url)
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = tlsConfig

	basicAuth, err := BasicAuth(creds.Username, creds.Password)
	if err != nil {
		return nil, err
	}
	if basicAuth != nil {
		opts.GetterOpts = append(opts.GetterOpts, basicAuth)
	}

	if !helmreg.IsOCI(url) {
		return opts, nil
	}

	var loginOpt helmreg.LoginOption
	if basicAuth != nil {
		loginOpt, err = registry.LoginOptionFromBasicAuth(creds.Username, creds.Password)
	} else {
		loginOpt, err = registry.LoginOptionFromKeychain(url, registry.Keychain(creds.RegistryConfig))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to configure registry login: %w", err)
	}
	if loginOpt != nil {
		opts.RegLoginOpts = []helmreg.LoginOption{
			loginOpt,
			helmreg.LoginOptInsecure(creds.PlainHTTP),
		}
		if creds.CertFile != "" || creds.CAFile != "" {
			opts.RegLoginOpts = append(opts.RegLoginOpts,
				helmreg.LoginOptTLSClientConfig(creds.CertFile, creds.KeyFile, creds.CAFile))
		}
	}
	return opts, nil
}
