// Copyright 2025 Google LLC

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The registrar builds a Cloud Deploy custom target deployer image and
// registers its custom target type. It ensures the Artifact Registry
// repository and the module config bucket exist, grants the default compute
// service account read access on the repository, builds the image with Cloud
// Build, uploads the generated skaffold module config, and applies the
// CustomTargetType resource.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/storage"
	"google.golang.org/api/artifactregistry/v1"
	"google.golang.org/api/cloudbuild/v1"
	"google.golang.org/api/clouddeploy/v1"
	"google.golang.org/api/cloudresourcemanager/v1"
)

var (
	// Variables to hold the flag values.
	project            string
	region             string
	name               string
	sourceDir          string
	sourcePath         string
	gitTokenSecret     string
	useDefaultRenderer bool
)

func main() {
	flag.StringVar(&project, "project", os.Getenv("PROJECT_ID"), "The ID of the project to provision the custom target type in")
	flag.StringVar(&region, "region", os.Getenv("REGION"), "The region for the registry, bucket, build, and custom target type")
	flag.StringVar(&name, "name", "git", "The name of the custom target type")
	flag.StringVar(&sourceDir, "source-dir", "", "An existing samples checkout to build from, cloned fresh when unset")
	flag.StringVar(&sourcePath, "source-path", "custom-targets/git-ops/git-deployer", "The build context within the checkout, it must contain the deployer's Dockerfile")
	flag.StringVar(&gitTokenSecret, "git-token-secret", "", "A Secret Manager SecretVersion holding a token for cloning a private source repository")
	flag.BoolVar(&useDefaultRenderer, "use-default-renderer", true, "Use Cloud Deploy's default skaffold render, when false the target type declares a render action")
	flag.Parse()

	cfg := &config{
		ProjectID:          project,
		Region:             region,
		Name:               name,
		SourceDir:          sourceDir,
		SourcePath:         sourcePath,
		GitTokenSecret:     gitTokenSecret,
		UseDefaultRenderer: useDefaultRenderer,
	}
	// Required inputs are validated before any client is built or any
	// external call is made.
	if err := cfg.validate(); err != nil {
		fmt.Printf("err: %v\n", err)
		os.Exit(1)
	}

	if err := do(cfg); err != nil {
		fmt.Printf("err: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Done!")
}

func do(cfg *config) error {
	// A termination signal cancels the context, unwinding the run so the
	// scratch directory cleanup still happens.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("unable to create cloud storage client: %v", err)
	}
	defer gcsClient.Close()
	arService, err := artifactregistry.NewService(ctx)
	if err != nil {
		return fmt.Errorf("unable to create artifact registry service: %v", err)
	}
	cbService, err := cloudbuild.NewService(ctx)
	if err != nil {
		return fmt.Errorf("unable to create cloud build service: %v", err)
	}
	cdService, err := clouddeploy.NewService(ctx)
	if err != nil {
		return fmt.Errorf("unable to create cloud deploy service: %v", err)
	}
	crmService, err := cloudresourcemanager.NewService(ctx)
	if err != nil {
		return fmt.Errorf("unable to create resource manager service: %v", err)
	}
	var smClient *secretmanager.Client
	if cfg.GitTokenSecret != "" {
		smClient, err = secretmanager.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("unable to create secret manager client: %v", err)
		}
		defer smClient.Close()
	}

	p := &provisioner{
		cfg:      cfg,
		source:   newGitSource(cfg, smClient),
		registry: newARRegistry(arService, cfg),
		buckets:  newGCSBuckets(gcsClient, cfg),
		builds:   newCBBuilds(cbService, gcsClient, cfg),
		deploy:   newCDDeploy(cdService, cfg),
		projects: newCRMProjects(crmService),
	}
	return withScratchDir(func(dir string) error {
		return p.run(ctx, dir)
	})
}
