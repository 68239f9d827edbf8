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
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"sigs.k8s.io/yaml"
)

func TestBuildConfig(t *testing.T) {
	build := buildConfig("us-central1-docker.pkg.dev/demo/cd-custom-targets/git-deployer", "abc1234", "demo-us-central1-custom-targets", "source/git-deployer-abc1234.tgz")

	wantArgs := []string{"build", "-t", "us-central1-docker.pkg.dev/demo/cd-custom-targets/git-deployer:latest", "--build-arg", "SHORT_SHA=abc1234", "."}
	if diff := cmp.Diff(build.Steps[0].Args, wantArgs); diff != "" {
		t.Errorf("buildConfig() step args mismatch (-got +want):\n%s", diff)
	}
	if build.Options.Logging != "CLOUD_LOGGING_ONLY" {
		t.Errorf("buildConfig() logging is %q, want CLOUD_LOGGING_ONLY", build.Options.Logging)
	}
	if build.Options.RequestedVerifyOption != "VERIFIED" {
		t.Errorf("buildConfig() verify option is %q, want VERIFIED", build.Options.RequestedVerifyOption)
	}
	if got := build.Source.StorageSource.Object; got != "source/git-deployer-abc1234.tgz" {
		t.Errorf("buildConfig() source object is %q, want %q", got, "source/git-deployer-abc1234.tgz")
	}
}

func TestMarshalBuildConfigDeterministic(t *testing.T) {
	// A fixed commit must produce a byte-identical build document across runs.
	first, err := marshalBuildConfig(buildConfig("img", "abc1234", "bucket", "source/x.tgz"))
	if err != nil {
		t.Fatalf("marshalBuildConfig() returned error: %v", err)
	}
	second, err := marshalBuildConfig(buildConfig("img", "abc1234", "bucket", "source/x.tgz"))
	if err != nil {
		t.Fatalf("marshalBuildConfig() returned error: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("marshalBuildConfig() is not deterministic:\n%s\n---\n%s", first, second)
	}
	if !strings.Contains(string(first), "SHORT_SHA=abc1234") {
		t.Errorf("build document does not carry the commit build arg:\n%s", first)
	}
}

func TestRenderSkaffoldModule(t *testing.T) {
	image := "us-central1-docker.pkg.dev/demo/cd-custom-targets/git-deployer@sha256:4f8b"
	data, err := renderSkaffoldModule(t.TempDir(), "git-deployer", image)
	if err != nil {
		t.Fatalf("renderSkaffoldModule() returned error: %v", err)
	}

	var module struct {
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
		CustomActions []struct {
			Name       string `json:"name"`
			Containers []struct {
				Name  string `json:"name"`
				Image string `json:"image"`
			} `json:"containers"`
		} `json:"customActions"`
	}
	if err := yaml.Unmarshal(data, &module); err != nil {
		t.Fatalf("unable to parse rendered module config: %v\n%s", err, data)
	}
	if module.Metadata.Name != "git-deployer" {
		t.Errorf("module config name is %q, want %q", module.Metadata.Name, "git-deployer")
	}
	if len(module.CustomActions) != 1 || len(module.CustomActions[0].Containers) != 1 {
		t.Fatalf("module config declares %d actions, want one action with one container:\n%s", len(module.CustomActions), data)
	}
	if got := module.CustomActions[0].Containers[0].Image; got != image {
		t.Errorf("module config image is %q, want the digest reference %q", got, image)
	}
}

func TestTargetTypeManifest(t *testing.T) {
	cfg := &config{
		ProjectID:          "demo",
		Region:             "us-central1",
		Name:               "git",
		UseDefaultRenderer: true,
	}

	manifest := targetTypeManifest(cfg)
	data, err := manifest.marshal()
	if err != nil {
		t.Fatalf("marshal() returned error: %v", err)
	}
	doc := string(data)

	if !strings.Contains(doc, "kind: CustomTargetType") {
		t.Errorf("manifest is missing the kind line:\n%s", doc)
	}
	if !strings.Contains(doc, "name: git") {
		t.Errorf("manifest is missing the target type name:\n%s", doc)
	}
	if !strings.Contains(doc, "deployAction: git-deployer") {
		t.Errorf("manifest is missing the deploy action:\n%s", doc)
	}
	if strings.Contains(doc, "renderAction") {
		t.Errorf("manifest declares a render action with the default renderer enabled:\n%s", doc)
	}
	if !strings.Contains(doc, "source: gs://demo-us-central1-custom-targets/git/*") {
		t.Errorf("manifest is missing the module source:\n%s", doc)
	}

	cfg.UseDefaultRenderer = false
	data, err = targetTypeManifest(cfg).marshal()
	if err != nil {
		t.Fatalf("marshal() returned error: %v", err)
	}
	if !strings.Contains(string(data), "renderAction: git-renderer") {
		t.Errorf("manifest is missing the render action with the default renderer disabled:\n%s", data)
	}
}

func TestTargetTypeManifestActions(t *testing.T) {
	cfg := &config{
		ProjectID:          "demo",
		Region:             "us-central1",
		Name:               "git",
		UseDefaultRenderer: true,
	}

	actions := targetTypeManifest(cfg).actions()
	if actions.DeployAction != "git-deployer" {
		t.Errorf("actions() deploy action is %q, want %q", actions.DeployAction, "git-deployer")
	}
	if actions.RenderAction != "" {
		t.Errorf("actions() render action is %q, want empty", actions.RenderAction)
	}
	if len(actions.IncludeSkaffoldModules) != 1 {
		t.Fatalf("actions() declares %d skaffold modules, want 1", len(actions.IncludeSkaffoldModules))
	}
	mod := actions.IncludeSkaffoldModules[0]
	if diff := cmp.Diff(mod.Configs, []string{"git-deployer"}); diff != "" {
		t.Errorf("actions() module configs mismatch (-got +want):\n%s", diff)
	}
	if mod.GoogleCloudStorage.Path != "skaffold.yaml" {
		t.Errorf("actions() module path is %q, want %q", mod.GoogleCloudStorage.Path, "skaffold.yaml")
	}
}
