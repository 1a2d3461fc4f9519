/*
Copyright 2021 The Flux authors
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
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	helmreg "helm.sh/helm/v3/pkg/registry"
	"helm.sh/helm/v3/pkg/repo"
)

var (
	// ErrNoRepositoryConfig is returned when the repositories file does not exist.
	ErrNoRepositoryConfig = errors.New("no repository configuration file")
	// ErrAliasedDependency is returned for dependencies declared with a
	// repository alias such as "@bitnami".
	ErrAliasedDependency = errors.New("repository aliases are not supported in dependencies")
	// ErrUnsupportedDependencyURL is returned for dependency repositories
	// that are neither HTTP(S) nor OCI.
	ErrUnsupportedDependencyURL = errors.New("unsupported dependency repository URL")
)

// NormalizeURL trims surrounding space and trailing slashes from a
// repository URL. HTTP(S) URLs get exactly one trailing slash so relative
// chart URLs in their index resolve below them.
func NormalizeURL(repositoryURL string) string {
	u := strings.TrimRight(strings.TrimSpace(repositoryURL), "/")
	if u == "" || helmreg.IsOCI(u) {
		return u
	}
	return u + "/"
}

// ValidateDepURL returns an error if a dependency cannot be downloaded from
// repositoryURL. Aliases need a local repositories file to resolve, which
// dependency declarations may not rely on.
func ValidateDepURL(repositoryURL string) error {
	if strings.HasPrefix(repositoryURL, "@") {
		return fmt.Errorf("%w: '%s'", ErrAliasedDependency, repositoryURL)
	}
	u, err := url.Parse(repositoryURL)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedDependencyURL, err)
	}
	switch u.Scheme {
	case "http", "https", helmreg.OCIScheme:
		return nil
	default:
		return fmt.Errorf("%w: '%s'", ErrUnsupportedDependencyURL, repositoryURL)
	}
}

// SplitAliasReference splits a chart reference of the form "alias/name"
// into the repository alias and the chart name. It returns false if ref is
// not of that form.
func SplitAliasReference(ref string) (alias, name string, ok bool) {
	alias, name, ok = strings.Cut(ref, "/")
	if !ok || alias == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return alias, name, true
}

// LookupAlias returns the repository entry named alias from the Helm
// repositories file at repoConfig.
func LookupAlias(repoConfig, alias string) (*repo.Entry, error) {
	if _, err := os.Stat(repoConfig); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoRepositoryConfig, repoConfig)
	}
	f, err := repo.LoadFile(repoConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load repository configuration '%s': %w", repoConfig, err)
	}
	entry := f.Get(alias)
	if entry == nil {
		return nil, referenceErrorf("no repository named '%s' in '%s'", alias, repoConfig)
	}
	return entry, nil
}
