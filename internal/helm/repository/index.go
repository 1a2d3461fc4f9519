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

package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/repo"
	"sigs.k8s.io/yaml"

	"github.com/imgmirror/helm-image-downloader/internal/helm"
)

// LoadIndex reads and parses the repository index at path. The file must be
// a regular file no larger than helm.MaxIndexSize.
func LoadIndex(path string) (*repo.IndexFile, error) {
	st, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("index '%s' is not a regular file", path)
	}
	if st.Size() > helm.MaxIndexSize {
		return nil, fmt.Errorf("index '%s' exceeds the maximum index file size of %d bytes", path, helm.MaxIndexSize)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseIndex(b)
}

// ParseIndex parses a JSON or YAML repository index. Chart versions that fail
// validation are dropped and the remaining entries sorted newest first.
func ParseIndex(b []byte) (*repo.IndexFile, error) {
	if len(b) == 0 {
		return nil, repo.ErrEmptyIndexYaml
	}

	index := &repo.IndexFile{}
	var err error
	if json.Valid(b) {
		err = json.Unmarshal(b, index)
	} else {
		err = yaml.UnmarshalStrict(b, index)
	}
	if err != nil {
		return nil, err
	}
	if index.APIVersion == "" {
		return nil, repo.ErrNoAPIVersion
	}

	for name, versions := range index.Entries {
		index.Entries[name] = validVersions(versions)
	}
	index.SortEntries()
	return index, nil
}

func validVersions(versions repo.ChartVersions) repo.ChartVersions {
	valid := versions[:0]
	for _, cv := range versions {
		if cv == nil {
			continue
		}
		if cv.Metadata == nil {
			cv.Metadata = &chart.Metadata{}
		}
		if cv.APIVersion == "" {
			cv.APIVersion = chart.APIVersionV1
		}
		if err := cv.Validate(); err != nil && !skippableValidationError(err) {
			continue
		}
		valid = append(valid, cv)
	}
	return valid
}

// skippableValidationError reports whether err is a chart validation error
// commonly found in indexes written by third party repository software.
func skippableValidationError(err error) bool {
	verr, ok := err.(chart.ValidationError)
	if !ok {
		return false
	}
	// JFrog Artifactory strips the alias field from dependencies.
	return strings.HasPrefix(verr.Error(), "validation: more than one dependency with name or alias")
}
