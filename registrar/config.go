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

package main

import (
	"fmt"
)

const (
	// registryRepoID is the Artifact Registry repository shared by all the
	// custom target deployer images.
	registryRepoID = "cd-custom-targets"

	// registryReaderRole is granted on the repository to the default compute
	// service account so deploy executions can pull the image.
	registryReaderRole = "roles/artifactregistry.reader"

	// moduleConfigName is the object name of the skaffold module config
	// uploaded for each custom target type.
	moduleConfigName = "skaffold.yaml"
)

// config holds the inputs for a registrar run.
type config struct {
	// ProjectID is the project the resources are provisioned in. Required.
	ProjectID string
	// Region is the location for the registry, bucket, build, and target type. Required.
	Region string
	// Name of the custom target type, e.g. "git". The deploy action, image,
	// and bucket object path are derived from it.
	Name string
	// SourceDir is an existing samples checkout to build from. When empty the
	// samples repository is cloned into the scratch directory.
	SourceDir string
	// SourcePath is the build context within the checkout, it must contain
	// the deployer's Dockerfile.
	SourcePath string
	// GitTokenSecret is a Secret Manager SecretVersion holding a token for
	// cloning a private source repository. Optional.
	GitTokenSecret string
	// UseDefaultRenderer controls whether Cloud Deploy's default skaffold
	// render is used. When false the target type declares a render action.
	UseDefaultRenderer bool
}

// validate checks the required inputs. It must pass before any external call
// is made.
func (c *config) validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("a project ID is required, provide it with -project or the PROJECT_ID environment variable")
	}
	if c.Region == "" {
		return fmt.Errorf("a region is required, provide it with -region or the REGION environment variable")
	}
	if c.Name == "" {
		return fmt.Errorf("the custom target type name must not be empty")
	}
	if c.SourcePath == "" {
		return fmt.Errorf("the source path must not be empty")
	}
	return nil
}

// bucketName is the conventional name of the bucket holding the module configs.
func (c *config) bucketName() string {
	return fmt.Sprintf("%s-%s-custom-targets", c.ProjectID, c.Region)
}

// deployActionName is the custom action invoked at deploy time.
func (c *config) deployActionName() string {
	return fmt.Sprintf("%s-deployer", c.Name)
}

// renderActionName is the custom action invoked at render time when the
// default renderer is disabled.
func (c *config) renderActionName() string {
	return fmt.Sprintf("%s-renderer", c.Name)
}

// imagePath is the Artifact Registry path of the deployer image, without a
// tag or digest.
func (c *config) imagePath() string {
	return fmt.Sprintf("%s-docker.pkg.dev/%s/%s/%s", c.Region, c.ProjectID, registryRepoID, c.deployActionName())
}

// moduleConfigURI is the Cloud Storage URI the skaffold module config is
// uploaded to.
func (c *config) moduleConfigURI() string {
	return fmt.Sprintf("gs://%s/%s/%s", c.bucketName(), c.Name, moduleConfigName)
}

// moduleSource is the Cloud Storage source glob the target type references
// for its skaffold modules.
func (c *config) moduleSource() string {
	return fmt.Sprintf("gs://%s/%s/*", c.bucketName(), c.Name)
}
