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

package repository

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/registry"
	"helm.sh/helm/v3/pkg/repo"

	"github.com/imgmirror/helm-image-downloader/internal/transport"
)

// RegistryClient is the subset of the Helm registry client used to list
// chart tags and to manage the registry session.
type RegistryClient interface {
	Login(host string, opts ...registry.LoginOption) error
	Logout(host string, opts ...registry.LogoutOption) error
	Tags(url string) ([]string, error)
}

// OCIChartRepository represents a Helm chart repository hosted in an OCI
// registry, and the configuration required to list tags and pull charts
// from it.
type OCIChartRepository struct {
	// URL is the oci:// location of the repository, without the chart name.
	URL url.URL
	// Client to use while pulling a chart from the URL.
	Client getter.Getter
	// Options to configure the Client with while pulling a chart.
	Options []getter.Option

	tlsConfig *tls.Config

	// RegistryClient lists tags and holds the login session.
	RegistryClient RegistryClient

	// credentialsFile is a temporary credentials file to remove on Clear.
	credentialsFile string
}

// OCIChartRepositoryOption configures an OCIChartRepository.
type OCIChartRepositoryOption func(*OCIChartRepository) error

// WithOCIRegistryClient sets the registry client.
func WithOCIRegistryClient(client RegistryClient) OCIChartRepositoryOption {
	return func(r *OCIChartRepository) error {
		r.RegistryClient = client
		return nil
	}
}

// WithOCIGetter sets the getter.Getter from the providers for the oci scheme.
func WithOCIGetter(providers getter.Providers) OCIChartRepositoryOption {
	return func(r *OCIChartRepository) error {
		c, err := providers.ByScheme(r.URL.Scheme)
		if err != nil {
			return err
		}
		r.Client = c
		return nil
	}
}

// WithOCIGetterOptions sets the getter options.
func WithOCIGetterOptions(getterOpts []getter.Option) OCIChartRepositoryOption {
	return func(r *OCIChartRepository) error {
		r.Options = getterOpts
		return nil
	}
}

// WithTLSConfig sets the TLS configuration used by pooled transports.
func WithTLSConfig(tlsConfig *tls.Config) OCIChartRepositoryOption {
	return func(r *OCIChartRepository) error {
		r.tlsConfig = tlsConfig
		return nil
	}
}

// WithCredentialsFile registers a temporary credentials file that is
// removed when the repository is cleared.
func WithCredentialsFile(file string) OCIChartRepositoryOption {
	return func(r *OCIChartRepository) error {
		r.credentialsFile = file
		return nil
	}
}

// NewOCIChartRepository constructs an OCIChartRepository for the given
// oci:// URL. It returns an error if the URL cannot be parsed or does not
// use the oci scheme.
func NewOCIChartRepository(repositoryURL string, opts ...OCIChartRepositoryOption) (*OCIChartRepository, error) {
	u, err := url.Parse(repositoryURL)
	if err != nil {
		return nil, err
	}
	if !registry.IsOCI(repositoryURL) {
		return nil, fmt.Errorf("the url scheme is not supported: %s", u.Scheme)
	}

	r := &OCIChartRepository{URL: *u}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// GetChartVersion returns a repo.ChartVersion pointing at the tag matching
// ver for the chart name. An empty ver selects the highest stable tag, an
// exact version must exist as a tag, anything else is used as a semver
// constraint.
func (r *OCIChartRepository) GetChartVersion(name, ver string) (*repo.ChartVersion, error) {
	cpURL := r.URL
	cpURL.Path = path.Join(cpURL.Path, name)

	ref := strings.TrimPrefix(cpURL.String(), fmt.Sprintf("%s://", registry.OCIScheme))
	cvs, err := r.getTags(ref)
	if err != nil {
		return nil, &ErrExternal{Err: err}
	}

	tag, err := registry.GetTagMatchingVersionOrConstraint(cvs, ver)
	if err != nil {
		return nil, &ErrReference{Err: err}
	}

	// Tags use _ in place of the build metadata separator.
	v := strings.ReplaceAll(tag, "_", "+")
	cpURL.Path = fmt.Sprintf("%s:%s", cpURL.Path, tag)

	return &repo.ChartVersion{
		URLs: []string{cpURL.String()},
		Metadata: &chart.Metadata{
			Name:    name,
			Version: v,
		},
	}, nil
}

func (r *OCIChartRepository) getTags(ref string) ([]string, error) {
	if r.RegistryClient == nil {
		return nil, errors.New("no registry client configured")
	}
	tags, err := r.RegistryClient.Tags(ref)
	if err != nil {
		return nil, fmt.Errorf("could not fetch tags for %q: %w", ref, err)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("unable to locate any tags in provided repository: %s", ref)
	}
	return tags, nil
}

// DownloadChart pulls the chart the given repo.ChartVersion points at.
// The first URL of the chart version is expected to be a valid oci://
// reference.
func (r *OCIChartRepository) DownloadChart(chart *repo.ChartVersion) (*bytes.Buffer, error) {
	if len(chart.URLs) == 0 {
		return nil, fmt.Errorf("chart '%s' has no downloadable URLs", chart.Name)
	}

	ref := chart.URLs[0]
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid chart URL format '%s': %w", ref, err)
	}

	t := transport.NewOrIdle(r.tlsConfig)
	clientOpts := append(r.Options, getter.WithTransport(t))
	defer transport.Release(t)

	b, err := r.Client.Get(u.String(), clientOpts...)
	if err != nil {
		return nil, &ErrExternal{Err: fmt.Errorf("failed to pull '%s': %w", ref, err)}
	}
	return b, nil
}

// Login logs into the registry host of the repository.
func (r *OCIChartRepository) Login(opts ...registry.LoginOption) error {
	if err := r.RegistryClient.Login(r.URL.Host, opts...); err != nil {
		return err
	}
	return nil
}

// Logout logs out of the registry host of the repository.
func (r *OCIChartRepository) Logout() error {
	if err := r.RegistryClient.Logout(r.URL.Host); err != nil {
		return err
	}
	return nil
}

// HasCredentials returns true if a temporary credentials file is in use.
func (r *OCIChartRepository) HasCredentials() bool {
	return r.credentialsFile != ""
}

// Clear removes the temporary credentials file, if any.
func (r *OCIChartRepository) Clear() error {
	if r.credentialsFile == "" {
		return nil
	}
	if err := os.Remove(r.credentialsFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credentials file: %w", err)
	}
	r.credentialsFile = ""
	return nil
}
