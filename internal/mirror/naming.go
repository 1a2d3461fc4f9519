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

package mirror

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

const archiveSuffix = ".tar"

var archiveNameReplacer = strings.NewReplacer("/", "_", ":", "_", "@", "_")

// Reference returns the mirror reference of src. Without a prefix the
// reference is kept as is. With a prefix the repository is moved below it,
// keeping only the last path segment when flatten is set. References by
// digest are tagged "sha256-<hex>".
func Reference(src name.Reference, prefix string, flatten bool) (name.Reference, error) {
	if prefix == "" {
		return src, nil
	}
	repo := src.Context().RepositoryStr()
	if flatten {
		repo = path.Base(repo)
	}
	return mirrorTag(src, prefix, repo)
}

// RegistryReference returns the mirror reference of src below prefix
// keeping the registry host and the full repository path, e.g.
// "P/ghcr.io/org/app:1.0". A registry port is joined with a dash.
func RegistryReference(src name.Reference, prefix string) (name.Reference, error) {
	if prefix == "" {
		return src, nil
	}
	host := strings.ToLower(strings.ReplaceAll(src.Context().RegistryStr(), ":", "-"))
	return mirrorTag(src, prefix, path.Join(host, src.Context().RepositoryStr()))
}

func mirrorTag(src name.Reference, prefix, repo string) (name.Reference, error) {
	var tag string
	switch ref := src.(type) {
	case name.Digest:
		tag = strings.Replace(ref.DigestStr(), ":", "-", 1)
	case name.Tag:
		tag = ref.TagStr()
	default:
		return nil, fmt.Errorf("unsupported reference type %T", src)
	}

	s := fmt.Sprintf("%s/%s:%s", strings.TrimSuffix(prefix, "/"), repo, tag)
	dst, err := name.NewTag(s)
	if err != nil {
		return nil, fmt.Errorf("invalid mirror reference '%s': %w", s, err)
	}
	return dst, nil
}

// ArchiveName returns the file name of the archive for the mirror
// reference, e.g. "registry.local_5000_nginx_1.25.tar".
func ArchiveName(ref name.Reference) string {
	return archiveNameReplacer.Replace(ref.String()) + archiveSuffix
}
