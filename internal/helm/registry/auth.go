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
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/configfile"
	"github.com/docker/cli/cli/config/credentials"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"helm.sh/helm/v3/pkg/registry"
)

// LoginOptionFromBasicAuth returns a basic auth LoginOption. If both the
// username and the password are empty, a nil LoginOption and a nil error
// are returned.
func LoginOptionFromBasicAuth(username, password string) (registry.LoginOption, error) {
	switch {
	case username == "" && password == "":
		return nil, nil
	case username == "" || password == "":
		return nil, fmt.Errorf("invalid auth data: required fields 'username' and 'password'")
	}
	return registry.LoginOptBasicAuth(username, password), nil
}

// LoginOptionFromDockerConfig derives a LoginOption for registryURL from a
// Docker configuration. It returns an error if the configuration holds no
// credentials for the registry host.
func LoginOptionFromDockerConfig(registryURL string, r io.Reader) (registry.LoginOption, error) {
	dockerCfg, err := config.LoadFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("unable to load Docker config: %w", err)
	}
	host, err := registryHost(registryURL)
	if err != nil {
		return nil, err
	}
	authConfig, err := dockerCfg.GetAuthConfig(host)
	if err != nil {
		return nil, fmt.Errorf("unable to get authentication data for '%s': %w", host, err)
	}

	// The credential store returns an empty auth config for unknown hosts.
	if credentials.ConvertToHostname(authConfig.ServerAddress) != host {
		return nil, fmt.Errorf("no auth config for '%s' in the Docker config", host)
	}
	return LoginOptionFromBasicAuth(authConfig.Username, authConfig.Password)
}

// LoginOptionFromKeychain resolves the credentials for registryURL through
// the keychain and adapts them into a LoginOption. Anonymous access yields a
// nil LoginOption.
func LoginOptionFromKeychain(registryURL string, keychain authn.Keychain) (registry.LoginOption, error) {
	host, err := registryHost(registryURL)
	if err != nil {
		return nil, err
	}
	reg, err := name.NewRegistry(host)
	if err != nil {
		return nil, fmt.Errorf("invalid registry '%s': %w", host, err)
	}
	authenticator, err := keychain.Resolve(reg)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve credentials for '%s': %w", host, err)
	}
	if authenticator == authn.Anonymous {
		return nil, nil
	}
	return AuthAdaptHelper(authenticator)
}

// AuthAdaptHelper returns a LoginOption carrying the authorization data of
// the given authn.Authenticator.
func AuthAdaptHelper(authenticator authn.Authenticator) (registry.LoginOption, error) {
	authConfig, err := authenticator.Authorization()
	if err != nil {
		return nil, fmt.Errorf("unable to get authentication data: %w", err)
	}
	return LoginOptionFromBasicAuth(authConfig.Username, authConfig.Password)
}

// Keychain returns the keychain to resolve registry credentials with. An
// empty configFile selects the default Docker keychain.
func Keychain(configFile string) authn.Keychain {
	if configFile == "" {
		return authn.DefaultKeychain
	}
	return &fileKeychain{path: configFile}
}

// fileKeychain resolves credentials from a single Docker configuration file.
type fileKeychain struct {
	path string
}

func (k *fileKeychain) Resolve(target authn.Resource) (authn.Authenticator, error) {
	f, err := os.Open(k.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cf, err := config.LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("unable to load Docker config '%s': %w", k.path, err)
	}
	return authenticatorFor(cf, target)
}

func authenticatorFor(cf *configfile.ConfigFile, target authn.Resource) (authn.Authenticator, error) {
	key := target.RegistryStr()
	if key == name.DefaultRegistry {
		key = authn.DefaultAuthKey
	}
	cfg, err := cf.GetAuthConfig(key)
	if err != nil {
		return nil, err
	}
	empty := cfg.Username == "" && cfg.Password == "" && cfg.Auth == "" &&
		cfg.IdentityToken == "" && cfg.RegistryToken == ""
	if empty {
		return authn.Anonymous, nil
	}
	return authn.FromConfig(authn.AuthConfig{
		Username:      cfg.Username,
		Password:      cfg.Password,
		Auth:          cfg.Auth,
		IdentityToken: cfg.IdentityToken,
		RegistryToken: cfg.RegistryToken,
	}), nil
}

func registryHost(registryURL string) (string, error) {
	if !strings.Contains(registryURL, "://") {
		registryURL = fmt.Sprintf("%s://%s", registry.OCIScheme, registryURL)
	}
	u, err := url.Parse(registryURL)
	if err != nil {
		return "", fmt.Errorf("unable to parse registry URL '%s': %w", registryURL, err)
	}
	return u.Host, nil
}
