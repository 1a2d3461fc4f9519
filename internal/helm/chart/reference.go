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

package chart

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
)

var chartNamePattern = regexp.MustCompile("^([-a-z0-9]+/?)+$")

// Reference locates a chart for a Builder.
type Reference interface {
	Validate() error
}

// LocalReference is a chart directory or package on disk. Path is relative
// to WorkDir, and nothing the chart references may resolve outside WorkDir.
type LocalReference struct {
	WorkDir string
	Path    string
}

// Validate requires an absolute WorkDir and a relative Path.
func (r LocalReference) Validate() error {
	switch {
	case r.WorkDir == "":
		return errors.New("no work dir set for local chart reference")
	case r.Path == "":
		return errors.New("no path set for local chart reference")
	case !filepath.IsAbs(r.WorkDir):
		return errors.New("local chart reference work dir is expected to be absolute")
	case filepath.IsAbs(r.Path):
		return errors.New("local chart reference path is expected to be relative")
	}
	return nil
}

// RemoteReference is a chart in a Helm repository or OCI registry. Version
// is an exact version or a SemVer constraint; empty means latest stable.
type RemoteReference struct {
	Name    string
	Version string
}

// Validate requires a Name of lower case letters, digits, dashes and slashes.
func (r RemoteReference) Validate() error {
	if r.Name == "" {
		return errors.New("no name set for remote chart reference")
	}
	if !chartNamePattern.MatchString(r.Name) {
		return fmt.Errorf("invalid chart name '%s': a valid name must be lower case letters and numbers and MAY be separated with dashes (-) or slashes (/)", r.Name)
	}
	return nil
}
