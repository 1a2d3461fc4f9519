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
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/fluxcd/pkg/version"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/repo"

	"github.com/imgmirror/helm-image-downloader/internal/helm"
	"github.com/imgmirror/helm-image-downloader/internal/transport"
)

// ChartRepository is an HTTP(S) Helm chart repository. Its index is
// downloaded on first use and kept in a temporary file until Clear.
// It is safe for concurrent use.
type ChartRepository struct {
	// URL of the repository, without the index.yaml suffix.
	URL string
	// Client fetches the index and chart packages.
	Client getter.Getter
	// Options are passed to every Client request.
	Options []getter.Option

	tlsConfig *tls.Config

	mu        sync.Mutex
	index     *repo.IndexFile
	indexFile string
}

// NewChartRepository returns a ChartRepository for repositoryURL, using the
// getter registered for its scheme.
func NewChartRepository(repositoryURL string, providers getter.Providers, tlsConfig *tls.Config, getterOpts ...getter.Option) (*ChartRepository, error) {
	u, err := url.Parse(repositoryURL)
	if err != nil {
		return nil, err
	}
	c, err := providers.ByScheme(u.Scheme)
	if err != nil {
		return nil, err
	}
	return &ChartRepository{
		URL:       repositoryURL,
		Client:    c,
		Options:   getterOpts,
		tlsConfig: tlsConfig,
	}, nil
}

// GetChartVersion returns the version of chart name matching ver. An exact
// version match wins. Otherwise ver is a SemVer constraint and the highest
// matching version is returned; an empty ver or "*" selects the latest
// stable version.
func (r *ChartRepository) GetChartVersion(name, ver string) (*repo.ChartVersion, error) {
	index, err := r.loadIndex()
	if err != nil {
		return nil, &ErrExternal{Err: err}
	}
	cv, err := selectVersion(index, name, ver)
	if err != nil {
		return nil, &ErrReference{Err: err}
	}
	return cv, nil
}

// DownloadChart downloads the first URL of cv, resolved against the
// repository URL when relative.
func (r *ChartRepository) DownloadChart(cv *repo.ChartVersion) (*bytes.Buffer, error) {
	if len(cv.URLs) == 0 {
		return nil, fmt.Errorf("chart '%s' has no downloadable URLs", cv.Name)
	}
	u, err := repo.ResolveReferenceURL(r.URL, cv.URLs[0])
	if err != nil {
		return nil, err
	}
	return r.get(u)
}

// Clear drops the index and removes its temporary file.
func (r *ChartRepository) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.index = nil
	if r.indexFile == "" {
		return nil
	}
	if err := os.Remove(r.indexFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cached index: %w", err)
	}
	r.indexFile = ""
	return nil
}

func (r *ChartRepository) get(u string) (*bytes.Buffer, error) {
	t := transport.NewOrIdle(r.tlsConfig)
	defer transport.Release(t)

	opts := append(append([]getter.Option{}, r.Options...), getter.WithTransport(t))
	return r.Client.Get(u, opts...)
}

func (r *ChartRepository) loadIndex() (*repo.IndexFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.index != nil {
		return r.index, nil
	}

	u, err := url.JoinPath(r.URL, "index.yaml")
	if err != nil {
		return nil, err
	}
	res, err := r.get(u)
	if err != nil {
		return nil, fmt.Errorf("failed to download index: %w", err)
	}
	if int64(res.Len()) > helm.MaxIndexSize {
		return nil, fmt.Errorf("index exceeds the maximum index file size of %d bytes", helm.MaxIndexSize)
	}

	f, err := os.CreateTemp("", "chart-index-*.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to create index cache file: %w", err)
	}
	if _, err = res.WriteTo(f); err != nil {
		f.Close()
		return nil, errors.Join(fmt.Errorf("failed to cache index: %w", err), os.Remove(f.Name()))
	}
	if err = f.Close(); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to cache index: %w", err), os.Remove(f.Name()))
	}
	r.indexFile = f.Name()

	index, err := LoadIndex(r.indexFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
	r.index = index
	return index, nil
}

func selectVersion(index *repo.IndexFile, name, ver string) (*repo.ChartVersion, error) {
	versions, ok := index.Entries[name]
	if !ok {
		return nil, repo.ErrNoChartName
	}
	if len(versions) == 0 {
		return nil, repo.ErrNoChartVersion
	}

	if ver != "" {
		for _, cv := range versions {
			if cv.Version == ver {
				return cv, nil
			}
		}
	}

	constraint := ver
	if constraint == "" {
		constraint = "*"
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, err
	}

	var (
		best    *repo.ChartVersion
		bestVer *semver.Version
	)
	for _, cv := range versions {
		v, err := version.ParseVersion(cv.Version)
		if err != nil || !c.Check(v) {
			continue
		}
		// Versions differing only in build metadata are ordered by creation time.
		if best == nil || v.GreaterThan(bestVer) || (v.Equal(bestVer) && cv.Created.After(best.Created)) {
			best, bestVer = cv, v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no '%s' chart with version matching '%s' found", name, ver)
	}
	return best, nil
}
