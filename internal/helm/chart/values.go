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
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/fluxcd/pkg/runtime/transform"
	helmchart "helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chartutil"
	"sigs.k8s.io/yaml"
)

var errNoValuesFile = errors.New("no values file found")

// valuesMergeFunc merges the values files at paths, in order, and returns
// the result with the paths that contributed to it.
type valuesMergeFunc func(paths []string, ignoreMissing bool) (map[string]interface{}, []string, error)

// mergeValues merges the values returned by read for each path. Paths for
// which read returns errNoValuesFile are skipped when ignoreMissing is set.
func mergeValues(paths []string, ignoreMissing bool, read func(p string) (map[string]interface{}, error)) (map[string]interface{}, []string, error) {
	merged := make(map[string]interface{})
	used := make([]string, 0, len(paths))
	for _, p := range paths {
		values, err := read(p)
		if err != nil {
			if ignoreMissing && errors.Is(err, errNoValuesFile) {
				continue
			}
			return nil, nil, err
		}
		merged = transform.MergeMaps(merged, values)
		used = append(used, p)
	}
	return merged, used, nil
}

// mergeFileValues merges values files of a chart directory. Paths are
// confined to baseDir.
func mergeFileValues(baseDir string, paths []string, ignoreMissing bool) (map[string]interface{}, []string, error) {
	return mergeValues(paths, ignoreMissing, func(p string) (map[string]interface{}, error) {
		secureP, err := securejoin.SecureJoin(baseDir, p)
		if err != nil {
			return nil, err
		}
		rel := strings.TrimPrefix(secureP, baseDir)
		fi, err := os.Stat(secureP)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at path '%s' (reference '%s')", errNoValuesFile, rel, p)
		}
		if err != nil || !fi.Mode().IsRegular() {
			return nil, fmt.Errorf("no values file found at path '%s' (reference '%s')", rel, p)
		}
		b, err := os.ReadFile(secureP)
		if err != nil {
			return nil, fmt.Errorf("could not read values from file '%s': %w", p, err)
		}
		return parseValues(p, b)
	})
}

// mergeChartValues merges values files from the files of a loaded chart.
// The default values file resolves to the chart values.
func mergeChartValues(chart *helmchart.Chart, paths []string, ignoreMissing bool) (map[string]interface{}, []string, error) {
	return mergeValues(paths, ignoreMissing, func(p string) (map[string]interface{}, error) {
		name := filepath.ToSlash(filepath.Clean(p))
		if name == chartutil.ValuesfileName {
			return chart.Values, nil
		}
		for _, f := range chart.Files {
			if f.Name == name {
				return parseValues(p, f.Data)
			}
		}
		return nil, fmt.Errorf("%w at path '%s'", errNoValuesFile, p)
	})
}

func parseValues(p string, b []byte) (map[string]interface{}, error) {
	values := make(map[string]interface{})
	if err := yaml.Unmarshal(b, &values); err != nil {
		return nil, fmt.Errorf("unmarshaling values from '%s' failed: %w", p, err)
	}
	return values, nil
}
