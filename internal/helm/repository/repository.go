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

// Package repository downloads charts from HTTP(S) chart repositories and
// OCI registries.
package repository

import (
	"bytes"
	"fmt"

	"helm.sh/helm/v3/pkg/repo"
)

// Downloader resolves chart versions and downloads chart packages from a
// single repository.
type Downloader interface {
	// GetChartVersion returns the chart version matching version, which may
	// be an exact version or a SemVer constraint.
	GetChartVersion(name, version string) (*repo.ChartVersion, error)
	// DownloadChart returns the packaged chart.
	DownloadChart(chart *repo.ChartVersion) (*bytes.Buffer, error)
	// Clear removes cached indexes and credential files.
	Clear() error
}

// ErrReference is returned when a chart name, version or repository alias
// does not resolve. Retrying does not help.
type ErrReference struct {
	Err error
}

func (e *ErrReference) Error() string { return e.Err.Error() }

func (e *ErrReference) Unwrap() error { return e.Err }

func referenceErrorf(format string, args ...interface{}) error {
	return &ErrReference{Err: fmt.Errorf(format, args...)}
}

// ErrExternal is returned when the repository could not be reached or
// answered with an error.
type ErrExternal struct {
	Err error
}

func (e *ErrExternal) Error() string { return e.Err.Error() }

func (e *ErrExternal) Unwrap() error { return e.Err }
