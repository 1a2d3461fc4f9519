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

package pipeline

import (
	"errors"
	"fmt"
	"os"

	helmgetter "helm.sh/helm/v3/pkg/getter"
	helmreg "helm.sh/helm/v3/pkg/registry"
	"helm.sh/helm/v3/pkg/repo"
	kerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/imgmirror/helm-image-downloader/internal/helm/chart"
	"github.com/imgmirror/helm-image-downloader/internal/helm/getter"
	"github.com/imgmirror/helm-image-downloader/internal/helm/registry"
	"github.com/imgmirror/helm-image-downloader/internal/helm/repository"
)

// newDownloader returns the repository.Downloader for the normalized
// repository URL, configured with creds. OCI downloaders are logged in
// when creds carry credentials.
func newDownloader(normalizedURL string, creds getter.Credentials) (repository.Downloader, error) {
	clientOpts, err := getter.GetClientOpts(creds, normalizedURL)
	if err != nil {
		return nil, err
	}
	getterOpts := clientOpts.GetterOpts

	if !helmreg.IsOCI(normalizedURL) {
		return repository.NewChartRepository(normalizedURL, getter.Providers, clientOpts.TLSConfig, getterOpts...)
	}

	registryClient, credentialsFile, err := registry.ClientGenerator(clientOpts.TLSConfig, clientOpts.MustLoginToRegistry(), clientOpts.PlainHTTP)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry client: %w", err)
	}

	var errs []error
	getterOpts = append(getterOpts, helmgetter.WithRegistryClient(registryClient))
	ociChartRepo, err := repository.NewOCIChartRepository(normalizedURL,
		repository.WithOCIGetter(getter.Providers),
		repository.WithOCIGetterOptions(getterOpts),
		repository.WithOCIRegistryClient(registryClient),
		repository.WithTLSConfig(clientOpts.TLSConfig),
		repository.WithCredentialsFile(credentialsFile))
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to create OCI chart repository: %w", err))
		if credentialsFile != "" {
			if err := os.Remove(credentialsFile); err != nil {
				errs = append(errs, err)
			}
		}
		return nil, kerrors.NewAggregate(errs)
	}

	// The OCI getter reads the stored login from the credentials file.
	if clientOpts.MustLoginToRegistry() {
		if err = ociChartRepo.Login(clientOpts.RegLoginOpts...); err != nil {
			errs = append(errs, fmt.Errorf("failed to login to OCI chart repository: %w", err))
			errs = append(errs, ociChartRepo.Clear())
			return nil, kerrors.NewAggregate(errs)
		}
	}
	return ociChartRepo, nil
}

// dependencyDownloaderCallback returns the callback the dependency manager
// creates downloaders of dependency repositories with. The repository of
// the chart itself gets rootCreds, other repositories the credentials of
// their entry in the repositories file, if any.
func dependencyDownloaderCallback(rootURL string, rootCreds getter.Credentials, repoConfig string) chart.GetChartDownloaderCallback {
	return func(url string) (repository.Downloader, error) {
		normalizedURL := repository.NormalizeURL(url)
		creds := getter.Credentials{
			Timeout:        rootCreds.Timeout,
			RegistryConfig: rootCreds.RegistryConfig,
		}
		if normalizedURL == repository.NormalizeURL(rootURL) {
			creds = rootCreds
		} else {
			entry, err := entryForURL(repoConfig, normalizedURL)
			if err != nil {
				return nil, err
			}
			creds = creds.WithEntry(entry)
		}
		return newDownloader(normalizedURL, creds)
	}
}

// entryForURL returns the repositories file entry of the normalized URL.
// It returns nil if there is no repositories file or no matching entry.
func entryForURL(repoConfig, normalizedURL string) (*repo.Entry, error) {
	if repoConfig == "" {
		return nil, nil
	}
	f, err := repo.LoadFile(repoConfig)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load repository configuration '%s': %w", repoConfig, err)
	}
	for _, e := range f.Repositories {
		if repository.NormalizeURL(e.URL) == normalizedURL {
			return e, nil
		}
	}
	return nil, nil
}
