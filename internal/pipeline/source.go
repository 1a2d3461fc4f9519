/*
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
	"path/filepath"
	"strings"

	helmreg "helm.sh/helm/v3/pkg/registry"

	"github.com/imgmirror/helm-image-downloader/internal/git"
	"github.com/imgmirror/helm-image-downloader/internal/helm/repository"
)

// SourceKind is the kind of location a chart is fetched from.
type SourceKind string

const (
	// SourceDirectory is a chart directory on the local filesystem.
	SourceDirectory SourceKind = "directory"
	// SourcePackage is a packaged chart on the local filesystem.
	SourcePackage SourceKind = "package"
	// SourceManifest is a plain YAML manifest file, scanned without
	// rendering.
	SourceManifest SourceKind = "manifest"
	// SourceRepository is an HTTP(S) chart repository.
	SourceRepository SourceKind = "repository"
	// SourceOCI is an OCI registry.
	SourceOCI SourceKind = "oci"
	// SourceGit is a Git repository.
	SourceGit SourceKind = "git"
)

// Source is the resolved location of the chart reference.
type Source struct {
	Kind SourceKind
	// Path is the absolute local path of directory, package and
	// manifest sources.
	Path string
	// URL is the repository URL of repository, OCI and Git sources.
	URL string
	// Name is the chart name in the repository.
	Name string
	// Alias is the repositories file entry the source was resolved
	// from, if any.
	Alias string
}

func (s Source) String() string {
	switch s.Kind {
	case SourceDirectory, SourcePackage, SourceManifest:
		return fmt.Sprintf("%s '%s'", s.Kind, s.Path)
	case SourceGit:
		return fmt.Sprintf("%s '%s'", s.Kind, s.URL)
	default:
		return fmt.Sprintf("%s '%s' chart '%s'", s.Kind, s.URL, s.Name)
	}
}

// ErrUnknownSource is returned when the chart reference is neither a
// local path, a repository URL nor a known repository alias.
var ErrUnknownSource = errors.New("unknown chart source")

// DetectSource resolves the chart reference of opts to a Source.
func DetectSource(opts Options) (Source, error) {
	ref := opts.Chart

	if helmreg.IsOCI(ref) {
		u := strings.TrimRight(ref, "/")
		i := strings.LastIndex(u, "/")
		if i <= len(helmreg.OCIScheme+"://") {
			return Source{}, fmt.Errorf("%w '%s': missing chart name", ErrUnknownSource, ref)
		}
		return Source{Kind: SourceOCI, URL: u[:i], Name: u[i+1:]}, nil
	}

	if git.IsRepositoryURL(ref) {
		return Source{Kind: SourceGit, URL: ref}, nil
	}

	if opts.Repo != "" {
		kind := SourceRepository
		if helmreg.IsOCI(opts.Repo) {
			kind = SourceOCI
		}
		return Source{Kind: kind, URL: repository.NormalizeURL(opts.Repo), Name: ref}, nil
	}

	if fi, err := os.Stat(ref); err == nil {
		abs, err := filepath.Abs(ref)
		if err != nil {
			return Source{}, err
		}
		switch ext := strings.ToLower(filepath.Ext(ref)); {
		case fi.IsDir():
			return Source{Kind: SourceDirectory, Path: abs}, nil
		case ext == ".yaml" || ext == ".yml":
			return Source{Kind: SourceManifest, Path: abs}, nil
		default:
			return Source{Kind: SourcePackage, Path: abs}, nil
		}
	}

	if alias, name, ok := repository.SplitAliasReference(ref); ok {
		entry, err := repository.LookupAlias(opts.RepositoryConfig, alias)
		if err != nil {
			return Source{}, fmt.Errorf("%w '%s': %w", ErrUnknownSource, ref, err)
		}
		kind := SourceRepository
		if helmreg.IsOCI(entry.URL) {
			kind = SourceOCI
		}
		return Source{Kind: kind, URL: repository.NormalizeURL(entry.URL), Name: name, Alias: alias}, nil
	}

	return Source{}, fmt.Errorf("%w '%s': not a local path, repository URL or repository alias", ErrUnknownSource, ref)
}
