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

// Package mirror pulls images, re-tags them under a mirror prefix and saves
// them as archives.
package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/name"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	kerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/imgmirror/helm-image-downloader/internal/digest"
	"github.com/imgmirror/helm-image-downloader/internal/image"
)

// Options configures a Mirror.
type Options struct {
	// Dir is the directory the archives are written to.
	Dir string
	// Prefix is the repository prefix of the mirror references.
	Prefix string
	// Flatten keeps only the last path segment of the repository below
	// Prefix.
	Flatten bool
	// Concurrent is the number of parallel pulls.
	Concurrent int64
}

// Result describes one mirrored image.
type Result struct {
	Source        string `json:"source"`
	Mirror        string `json:"mirror"`
	Archive       string `json:"archive"`
	Digest        string `json:"digest,omitempty"`
	ArchiveDigest string `json:"archiveDigest,omitempty"`
	Error         string `json:"error,omitempty"`

	src name.Reference
	dst name.Reference
}

// Mirror pulls images and saves them as archives under their mirror
// reference.
type Mirror struct {
	puller Puller
	opts   Options
}

// New returns a Mirror pulling with p.
func New(p Puller, opts Options) *Mirror {
	if opts.Concurrent < 1 {
		opts.Concurrent = 1
	}
	return &Mirror{puller: p, opts: opts}
}

// Plan returns the mirror reference and archive path of every image,
// without pulling. Images mapping to the same mirror reference are moved
// below the prefix with their registry host and full repository path. It
// returns an error when two images still share a mirror reference or an
// archive.
func (m *Mirror) Plan(images []*image.Image) ([]*Result, error) {
	dsts := make([]name.Reference, len(images))
	owners := make(map[string][]int, len(images))
	for i, img := range images {
		dst, err := Reference(img.Reference, m.opts.Prefix, m.opts.Flatten)
		if err != nil {
			return nil, err
		}
		dsts[i] = dst
		owners[dst.String()] = append(owners[dst.String()], i)
	}
	for _, idx := range owners {
		if len(idx) < 2 {
			continue
		}
		for _, i := range idx {
			dst, err := RegistryReference(images[i].Reference, m.opts.Prefix)
			if err != nil {
				return nil, err
			}
			dsts[i] = dst
		}
	}

	results := make([]*Result, 0, len(images))
	seen := make(map[string]string, 2*len(images))
	for i, img := range images {
		dst := dsts[i]
		archive := filepath.Join(m.opts.Dir, ArchiveName(dst))
		for _, k := range []string{dst.String(), archive} {
			if other, ok := seen[k]; ok {
				return nil, fmt.Errorf("images '%s' and '%s' both mirror to '%s'", other, img.Original, k)
			}
			seen[k] = img.Original
		}
		results = append(results, &Result{
			Source:  img.Original,
			Mirror:  dst.String(),
			Archive: archive,
			src:     img.Reference,
			dst:     dst,
		})
	}
	return results, nil
}

// Run pulls every image. All images are attempted, the returned error
// aggregates the failures and the results carry the error of each.
func (m *Mirror) Run(ctx context.Context, images []*image.Image) ([]*Result, error) {
	log := logr.FromContextOrDiscard(ctx)

	results, err := m.Plan(images)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(m.opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}

	var (
		errs   []error
		errsMu sync.Mutex
	)
	sem := semaphore.NewWeighted(m.opts.Concurrent)
	var group errgroup.Group
	for _, r := range results {
		if err := sem.Acquire(ctx, 1); err != nil {
			errsMu.Lock()
			errs = append(errs, err)
			errsMu.Unlock()
			break
		}
		group.Go(func() error {
			defer sem.Release(1)
			if err := m.pull(ctx, r); err != nil {
				r.Error = err.Error()
				log.Error(err, "failed to pull image", "image", r.Source)
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
				return nil
			}
			log.Info("pulled image", "image", r.Source, "mirror", r.Mirror, "archive", r.Archive)
			return nil
		})
	}
	_ = group.Wait()
	return results, kerrors.NewAggregate(errs)
}

func (m *Mirror) pull(ctx context.Context, r *Result) error {
	d, err := m.puller.Pull(ctx, r.src, r.dst, r.Archive)
	if err != nil {
		return err
	}
	r.Digest = d

	ad, err := digest.File(r.Archive)
	if err != nil {
		return fmt.Errorf("failed to digest archive of '%s': %w", r.Source, err)
	}
	r.ArchiveDigest = ad.String()
	return nil
}
