/*
Copyright 2020 The Flux CD contributors.
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

package main

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/cli/values"

	"github.com/imgmirror/helm-image-downloader/internal/git"
	"github.com/imgmirror/helm-image-downloader/internal/helm/getter"
	"github.com/imgmirror/helm-image-downloader/internal/mirror"
	"github.com/imgmirror/helm-image-downloader/internal/pipeline"
	"github.com/imgmirror/helm-image-downloader/internal/render"
)

const (
	flagConfig = "config"

	flagVersion          = "version"
	flagRepo             = "repo"
	flagRepositoryConfig = "repository-config"
	flagUsername         = "username"
	flagPassword         = "password"
	flagCAFile           = "ca-file"
	flagCertFile         = "cert-file"
	flagKeyFile          = "key-file"
	flagInsecure         = "insecure-skip-tls-verify"
	flagPlainHTTP        = "plain-http"
	flagPassCredentials  = "pass-credentials"
	flagRegistryConfig   = "registry-config"
	flagTimeout          = "timeout"

	flagGitBranch       = "git-branch"
	flagGitTag          = "git-tag"
	flagGitCommit       = "git-commit"
	flagChartPath       = "chart-path"
	flagGitUsername     = "git-username"
	flagGitPassword     = "git-password"
	flagGitIdentityFile = "git-identity-file"
	flagGitCAFile       = "git-ca-file"

	flagChartValues              = "chart-values"
	flagIgnoreMissingChartValues = "ignore-missing-chart-values"

	flagValues       = "values"
	flagSet          = "set"
	flagSetString    = "set-string"
	flagSetFile      = "set-file"
	flagSetJSON      = "set-json"
	flagSetLiteral   = "set-literal"
	flagReleaseName  = "release-name"
	flagNamespace    = "namespace"
	flagKubeVersion  = "kube-version"
	flagAllSubcharts = "all-subcharts"
	flagScanValues   = "scan-values"

	flagOutput     = "output"
	flagDryRun     = "dry-run"
	flagConcurrent = "concurrent"

	flagEngine           = "engine"
	flagPlatform         = "platform"
	flagRepositoryPrefix = "repository-prefix"
	flagFlatten          = "flatten"
)

// bindFlags defines the flags of the root command. Their values are read
// through viper, so the environment and the configuration file apply.
func bindFlags(fs *pflag.FlagSet) {
	fs.String(flagConfig, "", "Path to a YAML file with flag values.")

	fs.String(flagVersion, "", "Chart version or SemVer constraint. Empty selects the latest stable version.")
	fs.String(flagRepo, "", "URL of the chart repository or OCI registry the chart is looked up in.")
	fs.String(flagRepositoryConfig, cli.New().RepositoryConfig, "Path to the Helm repositories file repository aliases are resolved from.")
	fs.String(flagUsername, "", "Username of the chart repository or OCI registry.")
	fs.String(flagPassword, "", "Password of the chart repository or OCI registry.")
	fs.String(flagCAFile, "", "CA bundle to verify the chart repository certificate with.")
	fs.String(flagCertFile, "", "Client certificate for the chart repository.")
	fs.String(flagKeyFile, "", "Client certificate key for the chart repository.")
	fs.Bool(flagInsecure, false, "Skip the certificate verification of the chart repository.")
	fs.Bool(flagPlainHTTP, false, "Use plain HTTP for OCI registries.")
	fs.Bool(flagPassCredentials, false, "Pass the credentials to all domains.")
	fs.String(flagRegistryConfig, "", "Docker configuration file with registry credentials. Defaults to the Docker keychain.")
	fs.Duration(flagTimeout, 60*time.Second, "Timeout of chart repository requests.")

	fs.String(flagGitBranch, "", "Git branch to check out.")
	fs.String(flagGitTag, "", "Git tag to check out.")
	fs.String(flagGitCommit, "", "Git commit to check out.")
	fs.String(flagChartPath, ".", "Path of the chart inside the Git repository.")
	fs.String(flagGitUsername, "", "Username of the Git repository.")
	fs.String(flagGitPassword, "", "Password or token of the Git repository.")
	fs.String(flagGitIdentityFile, "", "SSH private key of the Git repository.")
	fs.String(flagGitCAFile, "", "CA bundle to verify the Git repository certificate with.")

	fs.StringSlice(flagChartValues, nil, "Chart relative values files merged into the default values of the chart.")
	fs.Bool(flagIgnoreMissingChartValues, false, "Skip chart values files that do not exist.")

	fs.StringSliceP(flagValues, "f", nil, "Values files or URLs to render the chart with.")
	fs.StringArray(flagSet, nil, "Set values on the command line (key1=val1,key2=val2).")
	fs.StringArray(flagSetString, nil, "Set STRING values on the command line.")
	fs.StringArray(flagSetFile, nil, "Set values from files (key1=path1,key2=path2).")
	fs.StringArray(flagSetJSON, nil, "Set JSON values on the command line.")
	fs.StringArray(flagSetLiteral, nil, "Set a literal STRING value on the command line.")
	fs.String(flagReleaseName, render.DefaultReleaseName, "Release name the chart is rendered for.")
	fs.String(flagNamespace, render.DefaultNamespace, "Namespace the chart is rendered for.")
	fs.String(flagKubeVersion, "", "Kubernetes version used for the capabilities of the render.")
	fs.Bool(flagAllSubcharts, true, "Also render every subchart on its own with its default values.")
	fs.Bool(flagScanValues, false, "Also scan the chart values for images.")

	fs.StringP(flagOutput, "o", pipeline.DefaultOutputDir, "Output directory.")
	fs.Bool(flagDryRun, false, "Print the images without pulling them.")
	fs.Int64(flagConcurrent, 1, "Number of parallel downloads.")

	fs.String(flagEngine, mirror.EngineRegistry, "Pull engine, 'registry' or 'docker'.")
	fs.String(flagPlatform, mirror.DefaultPlatform, "Platform to pull the images for.")
	fs.String(flagRepositoryPrefix, "", "Repository prefix the images are re-tagged with.")
	fs.Bool(flagFlatten, true, "Keep only the last path segment of the image repository below the prefix.")
}

// pipelineOptions returns the pipeline.Options of the flags bound to v.
func pipelineOptions(v *viper.Viper, fs *pflag.FlagSet, chart string) (pipeline.Options, error) {
	opts := pipeline.Options{
		Chart:            chart,
		Version:          v.GetString(flagVersion),
		Repo:             v.GetString(flagRepo),
		RepositoryConfig: v.GetString(flagRepositoryConfig),
		Credentials: getter.Credentials{
			Username:              v.GetString(flagUsername),
			Password:              v.GetString(flagPassword),
			CertFile:              v.GetString(flagCertFile),
			KeyFile:               v.GetString(flagKeyFile),
			CAFile:                v.GetString(flagCAFile),
			InsecureSkipTLSVerify: v.GetBool(flagInsecure),
			PlainHTTP:             v.GetBool(flagPlainHTTP),
			PassCredentialsAll:    v.GetBool(flagPassCredentials),
			RegistryConfig:        v.GetString(flagRegistryConfig),
			Timeout:               v.GetDuration(flagTimeout),
		},
		Git: pipeline.GitOptions{
			Reference: git.Reference{
				Branch: v.GetString(flagGitBranch),
				Tag:    v.GetString(flagGitTag),
				Commit: v.GetString(flagGitCommit),
			},
			ChartPath:    v.GetString(flagChartPath),
			Username:     v.GetString(flagGitUsername),
			Password:     v.GetString(flagGitPassword),
			IdentityFile: v.GetString(flagGitIdentityFile),
			CAFile:       v.GetString(flagGitCAFile),
		},
		ChartValues:              v.GetStringSlice(flagChartValues),
		IgnoreMissingChartValues: v.GetBool(flagIgnoreMissingChartValues),
		Render: render.Options{
			ReleaseName: v.GetString(flagReleaseName),
			Namespace:   v.GetString(flagNamespace),
			KubeVersion: v.GetString(flagKubeVersion),
			Values: values.Options{
				ValueFiles:    v.GetStringSlice(flagValues),
				Values:        stringArray(v, fs, flagSet),
				StringValues:  stringArray(v, fs, flagSetString),
				FileValues:    stringArray(v, fs, flagSetFile),
				JSONValues:    stringArray(v, fs, flagSetJSON),
				LiteralValues: stringArray(v, fs, flagSetLiteral),
			},
			AllSubcharts: v.GetBool(flagAllSubcharts),
		},
		ScanValues:       v.GetBool(flagScanValues),
		OutputDir:        v.GetString(flagOutput),
		DryRun:           v.GetBool(flagDryRun),
		Concurrent:       v.GetInt64(flagConcurrent),
		Engine:           v.GetString(flagEngine),
		Platform:         v.GetString(flagPlatform),
		RepositoryPrefix: v.GetString(flagRepositoryPrefix),
		Flatten:          v.GetBool(flagFlatten),
	}
	return opts, opts.Validate()
}

// stringArray returns the values of a string array flag as given. Viper
// splits them on commas, which breaks values like "a={b,c}".
func stringArray(v *viper.Viper, fs *pflag.FlagSet, name string) []string {
	if fs.Changed(name) {
		if s, err := fs.GetStringArray(name); err == nil {
			return s
		}
	}
	return v.GetStringSlice(name)
}
