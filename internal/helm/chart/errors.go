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

import "errors"

// BuildErrorReason classifies a BuildError.
type BuildErrorReason struct {
	// Reason is a CamelCase identifier, stable across releases.
	Reason string
	// Summary prefixes the message of a BuildError.
	Summary string
}

func (r BuildErrorReason) Error() string {
	return r.Summary
}

var (
	ErrChartReference     = BuildErrorReason{Reason: "InvalidChartReference", Summary: "invalid chart reference"}
	ErrChartPull          = BuildErrorReason{Reason: "ChartPullError", Summary: "chart pull error"}
	ErrChartMetadataPatch = BuildErrorReason{Reason: "MetadataPatchError", Summary: "chart metadata patch error"}
	ErrValuesFilesMerge   = BuildErrorReason{Reason: "ValuesFilesError", Summary: "values files merge error"}
	ErrDependencyBuild    = BuildErrorReason{Reason: "DependencyBuildError", Summary: "dependency build error"}
	ErrChartPackage       = BuildErrorReason{Reason: "ChartPackageError", Summary: "chart package error"}
	ErrUnknown            = BuildErrorReason{Reason: "Unknown", Summary: "unknown build error"}
)

// BuildError is returned by a Builder. errors.Is matches both its Reason and
// the wrapped Err.
type BuildError struct {
	Reason BuildErrorReason
	Err    error
}

func (e *BuildError) Error() string {
	if e.Reason.Summary == "" {
		return e.Err.Error()
	}
	return e.Reason.Summary + ": " + e.Err.Error()
}

func (e *BuildError) Is(target error) bool {
	r, ok := target.(BuildErrorReason)
	return ok && r == e.Reason
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// ReasonOf returns the reason of the first BuildError in the chain of err,
// or ErrUnknown.
func ReasonOf(err error) BuildErrorReason {
	var buildErr *BuildError
	if errors.As(err, &buildErr) && buildErr.Reason.Reason != "" {
		return buildErr.Reason
	}
	return ErrUnknown
}
