/*
Copyright The Helm Authors.
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

// Package secureloader loads Helm charts from a directory or archive without
// following paths that resolve outside a configured root.
package secureloader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"

	"github.com/imgmirror/helm-image-downloader/internal/helm"
)

// Loader returns a SecureDirLoader when name is a directory and a
// loader.FileLoader otherwise. name may be absolute or relative to root,
// and is resolved inside root.
func Loader(root, name string) (loader.ChartLoader, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	rel := filepath.Clean(name)
	if filepath.IsAbs(rel) {
		if rel, err = filepath.Rel(root, rel); err != nil {
			return nil, err
		}
	}
	p, err := securejoin.SecureJoin(root, rel)
	if err != nil {
		return nil, err
	}

	fi, err := os.Lstat(p)
	var pathErr *fs.PathError
	switch {
	case errors.As(err, &pathErr):
		// Do not leak the location of root.
		return nil, &fs.PathError{Op: pathErr.Op, Path: strings.TrimPrefix(p, root), Err: pathErr.Err}
	case err != nil:
		return nil, err
	case fi.IsDir():
		return NewSecureDirLoader(root, rel, helm.MaxChartFileSize), nil
	default:
		return loader.FileLoader(p), nil
	}
}

// Load loads the chart directory or archive name inside root.
// Directories honour .helmignore.
func Load(root, name string) (*chart.Chart, error) {
	l, err := Loader(root, name)
	if err != nil {
		return nil, err
	}
	return l.Load()
}

// LoadArchive loads a packaged chart of at most helm.MaxChartSize bytes.
func LoadArchive(in io.Reader) (*chart.Chart, error) {
	var b bytes.Buffer
	n, err := b.ReadFrom(io.LimitReader(in, helm.MaxChartSize+1))
	if err != nil {
		return nil, err
	}
	if n > helm.MaxChartSize {
		return nil, fmt.Errorf("chart exceeds the maximum chart size of %d bytes", helm.MaxChartSize)
	}
	return loader.LoadArchive(&b)
}
