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

This file has been derived from
https://github.com/helm/helm/blob/v3.8.1/pkg/chart/loader/directory.go.

It has been modified to not blindly accept any resolved symlink path, but
instead check it against the configured root before allowing it to be included.
It also allows for capping the size of any file loaded into the chart.
*/

package secureloader

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/ignore"
)

var (
	// DefaultMaxFileSize is the default maximum file size of any chart file
	// loaded.
	DefaultMaxFileSize int64 = 16 << 20

	utf8bom = []byte{0xEF, 0xBB, 0xBF}
)

// SecureDirLoader securely loads a chart from a directory while resolving
// symlinks without including files outside root.
type SecureDirLoader struct {
	root    string
	path    string
	maxSize int64
}

// NewSecureDirLoader returns a new SecureDirLoader, configured to the scope of the
// root and provided path. Max size configures the maximum size a file must not
// exceed to be loaded. If 0 it defaults to DefaultMaxFileSize, it can be
// disabled using a negative integer.
func NewSecureDirLoader(root string, path string, maxSize int64) SecureDirLoader {
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}
	return SecureDirLoader{
		root:    root,
		path:    path,
		maxSize: maxSize,
	}
}

// Load loads and returns the chart.Chart, or an error.
func (l SecureDirLoader) Load() (*chart.Chart, error) {
	return SecureLoadDir(l.root, l.path, l.maxSize)
}

// SecureLoadDir securely loads a chart from path, without going outside root.
// A relative path is taken relative to root.
func SecureLoadDir(root, path string, maxSize int64) (*chart.Chart, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	topDir := path
	if !filepath.IsAbs(topDir) {
		topDir = filepath.Join(root, topDir)
	}
	if _, err = isSecureSymlinkPath(root, topDir); err != nil {
		return nil, fmt.Errorf("cannot load chart from dir: %w", err)
	}

	rules := ignore.Empty()
	if iFile, err := securejoin.SecureJoin(root, filepath.Join(strings.TrimPrefix(topDir, root), ignore.HelmIgnore)); err == nil {
		if _, err = os.Stat(iFile); err == nil {
			r, err := ignore.ParseFile(iFile)
			if err != nil {
				return nil, err
			}
			rules = r
		}
	}
	rules.AddDefaults()

	var files []*loader.BufferedFile
	topDir += string(filepath.Separator)

	visit := func(name, absoluteName string, fi os.FileInfo) error {
		n := filepath.ToSlash(strings.TrimPrefix(name, topDir))
		if n == "" {
			return nil
		}

		if fi.IsDir() {
			if rules.Ignore(n, fi) {
				return filepath.SkipDir
			}
			if _, err := isSecureSymlinkPath(root, absoluteName); err != nil {
				return fmt.Errorf("cannot load '%s' directory: %w", n, err)
			}
			return nil
		}

		if rules.Ignore(n, fi) {
			return nil
		}
		if _, err := isSecureSymlinkPath(root, absoluteName); err != nil {
			return fmt.Errorf("cannot load '%s' file: %w", n, err)
		}
		if !fi.Mode().IsRegular() {
			return fmt.Errorf("cannot load irregular file %s as it has file mode type bits set", n)
		}
		if size := fi.Size(); maxSize > 0 && size > maxSize {
			return fmt.Errorf("cannot load file %s as file size (%d) exceeds limit (%d)", n, size, maxSize)
		}

		data, err := os.ReadFile(name)
		if err != nil {
			return fmt.Errorf("error reading %s: %w", n, err)
		}
		files = append(files, &loader.BufferedFile{Name: n, Data: bytes.TrimPrefix(data, utf8bom)})
		return nil
	}
	if err = walk(topDir, topDir, visit); err != nil && err != filepath.SkipDir {
		return nil, err
	}
	return loader.LoadFiles(files)
}

// walk descends path in lexical order, following symlinks. absPath is the
// resolved location of path, which differs from path below a symlink.
func walk(path, absPath string, visit func(path, absPath string, fi os.FileInfo) error) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("error evaluating symlink %s: %w", path, err)
		}
		if fi, err = os.Lstat(resolved); err != nil {
			return err
		}
		absPath = resolved
	}

	if err := visit(path, absPath, fi); err != nil {
		return err
	}
	if !fi.IsDir() {
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		err := walk(filepath.Join(path, name), filepath.Join(absPath, name), visit)
		if err != nil && err != filepath.SkipDir {
			return err
		}
	}
	return nil
}

// isSecureSymlinkPath attempts to make the given absolute path relative to
// root and securely joins this with root. If the result equals absolute path,
// it is safe to use.
func isSecureSymlinkPath(root, absPath string) (bool, error) {
	root, absPath = filepath.Clean(root), filepath.Clean(absPath)
	if root == "/" {
		return true, nil
	}
	unsafePath, err := filepath.Rel(root, absPath)
	if err != nil {
		return false, fmt.Errorf("cannot calculate path relative to root for resolved symlink")
	}
	safePath, err := securejoin.SecureJoin(root, unsafePath)
	if err != nil {
		return false, fmt.Errorf("cannot securely join root with resolved relative symlink path")
	}
	if safePath != absPath {
		return false, fmt.Errorf("symlink traverses outside root boundary: relative path to root %s", unsafePath)
	}
	return true, nil
}
