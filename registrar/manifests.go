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
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	ghyaml "github.com/ghodss/yaml"
	"github.com/plumpy/custom-target-registrar/packages/applysetters"
	"google.golang.org/api/cloudbuild/v1"
	"google.golang.org/api/clouddeploy/v1"
	"sigs.k8s.io/yaml"
)

//go:embed templates/skaffold.yaml
var skaffoldModuleTemplate []byte

// buildConfig returns the build that produces the deployer image. The commit
// SHA is passed as a build arg so the binary can report its provenance.
func buildConfig(image, commitSHA, sourceBucket, sourceObject string) *cloudbuild.Build {
	tagged := image + ":latest"
	return &cloudbuild.Build{
		Steps: []*cloudbuild.BuildStep{
			{
				Name: "gcr.io/cloud-builders/docker",
				Args: []string{"build", "-t", tagged, "--build-arg", "SHORT_SHA=" + commitSHA, "."},
			},
		},
		Images: []string{tagged},
		Options: &cloudbuild.BuildOptions{
			Logging:               "CLOUD_LOGGING_ONLY",
			RequestedVerifyOption: "VERIFIED",
		},
		Source: &cloudbuild.Source{
			StorageSource: &cloudbuild.StorageSource{
				Bucket: sourceBucket,
				Object: sourceObject,
			},
		},
	}
}

// marshalBuildConfig renders the build as a yaml document. The output is
// deterministic for a fixed commit SHA.
func marshalBuildConfig(build *cloudbuild.Build) ([]byte, error) {
	data, err := yaml.Marshal(build)
	if err != nil {
		return nil, fmt.Errorf("error marshalling build config: %v", err)
	}
	return data, nil
}

// renderSkaffoldModule generates the skaffold module config declaring the
// custom action, with the container image pinned to the digest reference.
func renderSkaffoldModule(scratchDir, customAction, imageWithDigest string) ([]byte, error) {
	path := filepath.Join(scratchDir, moduleConfigName)
	if err := os.WriteFile(path, skaffoldModuleTemplate, os.ModePerm); err != nil {
		return nil, fmt.Errorf("unable to write skaffold config: %v", err)
	}
	err := applysetters.ApplyParams(path, map[string]string{
		"custom-action": customAction,
		"image":         imageWithDigest,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to apply params to skaffold config: %v", err)
	}
	return os.ReadFile(path)
}

// customTargetTypeManifest mirrors the CustomTargetType config file format
// accepted by `gcloud deploy apply`.
type customTargetTypeManifest struct {
	APIVersion    string              `json:"apiVersion"`
	Kind          string              `json:"kind"`
	Metadata      manifestMetadata    `json:"metadata"`
	CustomActions customTargetActions `json:"customActions"`
}

type manifestMetadata struct {
	Name string `json:"name"`
}

type customTargetActions struct {
	// RenderAction is only set when the default skaffold renderer is disabled.
	RenderAction           string           `json:"renderAction,omitempty"`
	DeployAction           string           `json:"deployAction"`
	IncludeSkaffoldModules []skaffoldModule `json:"includeSkaffoldModules,omitempty"`
}

type skaffoldModule struct {
	Configs            []string          `json:"configs"`
	GoogleCloudStorage skaffoldGCSSource `json:"googleCloudStorage"`
}

type skaffoldGCSSource struct {
	Source string `json:"source"`
	Path   string `json:"path"`
}

// targetTypeManifest builds the manifest registering the custom target type,
// referencing the module config uploaded to the bucket.
func targetTypeManifest(cfg *config) *customTargetTypeManifest {
	m := &customTargetTypeManifest{
		APIVersion: "deploy.cloud.google.com/v1",
		Kind:       "CustomTargetType",
		Metadata:   manifestMetadata{Name: cfg.Name},
		CustomActions: customTargetActions{
			DeployAction: cfg.deployActionName(),
			IncludeSkaffoldModules: []skaffoldModule{
				{
					Configs: []string{cfg.deployActionName()},
					GoogleCloudStorage: skaffoldGCSSource{
						Source: cfg.moduleSource(),
						Path:   moduleConfigName,
					},
				},
			},
		},
	}
	if !cfg.UseDefaultRenderer {
		m.CustomActions.RenderAction = cfg.renderActionName()
	}
	return m
}

// marshal renders the manifest as a yaml document.
func (m *customTargetTypeManifest) marshal() ([]byte, error) {
	data, err := ghyaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("error marshalling custom target type manifest: %v", err)
	}
	return data, nil
}

// actions converts the manifest into the Cloud Deploy API representation.
func (m *customTargetTypeManifest) actions() *clouddeploy.CustomTargetSkaffoldActions {
	actions := &clouddeploy.CustomTargetSkaffoldActions{
		RenderAction: m.CustomActions.RenderAction,
		DeployAction: m.CustomActions.DeployAction,
	}
	for _, mod := range m.CustomActions.IncludeSkaffoldModules {
		actions.IncludeSkaffoldModules = append(actions.IncludeSkaffoldModules, &clouddeploy.SkaffoldModules{
			Configs: mod.Configs,
			GoogleCloudStorage: &clouddeploy.SkaffoldGCSSource{
				Source: mod.GoogleCloudStorage.Source,
				Path:   mod.GoogleCloudStorage.Path,
			},
		})
	}
	return actions
}
