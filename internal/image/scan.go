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

package image

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"
)

const (
	imageKey      = "image"
	registryKey   = "registry"
	repositoryKey = "repository"
	tagKey        = "tag"
	digestKey     = "digest"

	templateDelim = "{{"
)

// Scan walks obj and returns every image reference candidate, in no
// particular order. A key "image" holding a string is a candidate. A key "image"
// holding a map forms one from "repository" and "tag" or "digest",
// prefixed with "registry" when set. Strings which are empty or still
// contain template delimiters are skipped.
func Scan(obj interface{}) []string {
	var out []string
	scan(obj, &out)
	return out
}

func scan(obj interface{}, out *[]string) {
	switch v := obj.(type) {
	case map[string]interface{}:
		for k, val := range v {
			if k == imageKey {
				if ref, ok := imageValue(val); ok {
					*out = append(*out, ref)
					continue
				}
			}
			scan(val, out)
		}
	case []interface{}:
		for _, val := range v {
			scan(val, out)
		}
	}
}

// imageValue returns the reference an "image" value describes.
func imageValue(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return candidate(val)
	case map[string]interface{}:
		repository, _ := scalar(val[repositoryKey])
		if repository == "" {
			return "", false
		}
		if registry, _ := scalar(val[registryKey]); registry != "" {
			repository = strings.TrimSuffix(registry, "/") + "/" + repository
		}
		if digest, _ := scalar(val[digestKey]); digest != "" {
			return candidate(repository + "@" + digest)
		}
		if tag, _ := scalar(val[tagKey]); tag != "" {
			return candidate(repository + ":" + tag)
		}
	}
	return "", false
}

func candidate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, templateDelim) {
		return "", false
	}
	return s, true
}

// scalar returns the string form of a YAML scalar. Numeric tags such as
// 1.25 are decoded as numbers.
func scalar(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	default:
		return "", false
	}
}

// Document is a decoded YAML document of a manifest stream.
type Document struct {
	// Index is the position of the document in the stream.
	Index  int
	Object interface{}
}

// SplitDocuments decodes every non-empty document of a multi-document
// YAML or JSON stream.
func SplitDocuments(data []byte) ([]Document, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(bytes.NewReader(data)))

	var docs []Document
	for i := 0; ; i++ {
		raw, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read YAML document %d: %w", i, err)
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var obj interface{}
		if err = yaml.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("failed to decode YAML document %d: %w", i, err)
		}
		if obj == nil {
			continue
		}
		docs = append(docs, Document{Index: i, Object: obj})
	}
	return docs, nil
}
