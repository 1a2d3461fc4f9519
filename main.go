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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/imgmirror/helm-image-downloader/internal/logger"
	"github.com/imgmirror/helm-image-downloader/internal/pipeline"
)

// VERSION is set at build time.
var VERSION = "0.0.0-dev.0"

const envPrefix = "HELM_IMAGE_DOWNLOADER"

const longDescription = `Download every container image referenced by a Helm chart and its
dependencies, so the images can be mirrored into a private registry.

The chart is fetched from a local directory or package, a chart repository
(--repo or a repository alias), an OCI registry or a Git repository. Its
templates are rendered with the given values and every image found is pulled
and saved as an archive under <output>/images.

Every flag can be set through the environment with the prefix
HELM_IMAGE_DOWNLOADER_, e.g. HELM_IMAGE_DOWNLOADER_REPOSITORY_PREFIX, or in
the YAML file given with --config.`

const examples = `  # Download the images of a chart from a repository
  helm-image-downloader ingress-nginx --repo https://kubernetes.github.io/ingress-nginx --version 4.10.0

  # Use a repository alias and re-tag the images for a private registry
  helm-image-downloader bitnami/redis --version "18.x" --repository-prefix registry.local:5000/mirror

  # List the images of an OCI chart rendered with custom values
  helm-image-downloader oci://ghcr.io/org/charts/app --version 1.2.3 -f values-prod.yaml --dry-run

  # Chart from a Git repository
  helm-image-downloader https://github.com/org/charts.git --chart-path charts/app --version "1.x"`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		var logged *loggedError
		if !errors.As(err, &logged) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// loggedError is an error that has already been logged.
type loggedError struct {
	error
}

func (e *loggedError) Unwrap() error {
	return e.error
}

func newRootCommand(out io.Writer) *cobra.Command {
	v := viper.New()
	logOpts := &logger.Options{}

	cmd := &cobra.Command{
		Use:           "helm-image-downloader <chart> --version <version>",
		Short:         "Download the container images of a Helm chart",
		Long:          longDescription,
		Example:       examples,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)

	bindFlags(cmd.Flags())
	logOpts.BindFlags(cmd.Flags())

	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		return loadConfig(v, cmd)
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		log, err := logger.NewLogger(logger.Options{
			Encoding: v.GetString("log-encoding"),
			Level:    v.GetString("log-level"),
		})
		if err != nil {
			return err
		}

		opts, err := pipelineOptions(v, cmd.Flags(), args[0])
		if err != nil {
			log.Error(err, "invalid options")
			return &loggedError{err}
		}

		log.V(1).Info("starting", "version", VERSION)
		ctx := logr.NewContext(cmd.Context(), log)
		if _, err = pipeline.New(opts, cmd.OutOrStdout()).Run(ctx); err != nil {
			log.Error(err, "failed to download images", "chart", opts.Chart)
			return &loggedError{err}
		}
		return nil
	}
	return cmd
}

// loadConfig binds the flags to v, with the environment and the optional
// configuration file as fallbacks.
func loadConfig(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if f := v.GetString(flagConfig); f != "" {
		v.SetConfigFile(f)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file '%s': %w", f, err)
		}
	}
	return nil
}
