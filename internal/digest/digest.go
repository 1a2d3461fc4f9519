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

package digest

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"
)

// Canonical is the primary digest algorithm used to calculate checksums.
const Canonical = digest.SHA256

// File returns the Canonical digest of the file at path.
func File(path string) (digest.Digest, error) {
	return FileWithAlgorithm(path, Canonical)
}

// FileWithAlgorithm returns the digest of the file at path calculated with
// algo.
func FileWithAlgorithm(path string, algo digest.Algorithm) (digest.Digest, error) {
	if !algo.Available() {
		return "", fmt.Errorf("%w: %s", digest.ErrDigestUnsupported, algo)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	d, err := algo.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to digest '%s': %w", path, err)
	}
	return d, nil
}
