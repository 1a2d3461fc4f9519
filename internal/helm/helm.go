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

// Package helm holds the size limits applied to everything read from Helm
// repositories and charts. Subpackages fetch, build and load charts.
package helm

var (
	// MaxIndexSize bounds a repository index.
	MaxIndexSize int64 = 50 << 20
	// MaxChartSize bounds a packaged chart.
	MaxChartSize int64 = 10 << 20
	// MaxChartFileSize bounds a single file inside a chart.
	MaxChartFileSize int64 = 5 << 20
)
