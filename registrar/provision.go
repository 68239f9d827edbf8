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
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/plumpy/custom-target-registrar/packages/gcs"
)

// provisioner runs the ordered sequence that builds the deployer image and
// registers the custom target type. Every resource creation is guarded by an
// existence check so the sequence can be re-run to repair a partial
// provisioning.
type provisioner struct {
	cfg      *config
	source   sourceService
	registry registryService
	buckets  bucketService
	builds   buildService
	deploy   deployService
	projects projectService
}

// run executes the provisioning steps in order, stopping on the first
// failure. Intermediate artifacts are written to the scratch directory, which
// the caller owns and removes.
func (p *provisioner) run(ctx context.Context, scratchDir string) error {
	fmt.Printf("Provisioning custom target type %q in project %q (%s)\n", p.cfg.Name, p.cfg.ProjectID, p.cfg.Region)

	// 1. Resolve the source checkout and its commit.
	checkout, err := p.source.resolve(ctx, scratchDir)
	if err != nil {
		return fmt.Errorf("unable to resolve source: %v", err)
	}
	fmt.Printf("Source checkout is at commit %s\n", checkout.commitSHA)

	// 2. Ensure the Artifact Registry repository exists.
	repoExists, err := p.registry.repoExists(ctx)
	if err != nil {
		return fmt.Errorf("unable to check for the image registry: %v", err)
	}
	if repoExists {
		fmt.Printf("Artifact Registry repository %q already exists\n", registryRepoID)
	} else {
		fmt.Printf("Creating Artifact Registry repository %q\n", registryRepoID)
		if err := p.registry.createRepo(ctx); err != nil {
			return fmt.Errorf("unable to create the image registry: %v", err)
		}
	}

	// 3. Grant the default compute service account read access on the
	// repository. Not guarded by an existence check, a repeated grant
	// converges to the same policy.
	projectNumber, err := p.projects.projectNumber(ctx, p.cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("unable to resolve the project number: %v", err)
	}
	member := fmt.Sprintf("serviceAccount:%d-compute@developer.gserviceaccount.com", projectNumber)
	fmt.Printf("Granting %s on %q to %s\n", registryReaderRole, registryRepoID, member)
	if err := p.registry.grantReader(ctx, member); err != nil {
		return fmt.Errorf("unable to grant registry access: %v", err)
	}

	// 4. Ensure the bucket exists.
	bucket := p.cfg.bucketName()
	bucketExists, err := p.buckets.bucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("unable to check for bucket %q: %v", bucket, err)
	}
	if bucketExists {
		fmt.Printf("Bucket %q already exists\n", bucket)
	} else {
		fmt.Printf("Creating bucket %q\n", bucket)
		if err := p.buckets.createBucket(ctx, bucket); err != nil {
			return fmt.Errorf("unable to create bucket %q: %v", bucket, err)
		}
	}

	// 5. Build the deployer image.
	if err := p.buildImage(ctx, scratchDir, checkout, bucket); err != nil {
		return err
	}

	// 6. Resolve the digest of the image that was just built.
	digest, err := p.registry.imageDigest(ctx, p.cfg.deployActionName(), "latest")
	if err != nil {
		return fmt.Errorf("unable to resolve the image digest: %v", err)
	}
	imageWithDigest := fmt.Sprintf("%s@%s", p.cfg.imagePath(), digest)
	fmt.Printf("Built image %s\n", imageWithDigest)

	// 7. Upload the skaffold module config referencing the image by digest.
	module, err := renderSkaffoldModule(scratchDir, p.cfg.deployActionName(), imageWithDigest)
	if err != nil {
		return err
	}
	moduleURI := p.cfg.moduleConfigURI()
	if err := p.buckets.upload(ctx, moduleURI, &gcs.UploadContent{Data: module}); err != nil {
		return fmt.Errorf("unable to upload the module config: %v", err)
	}
	fmt.Printf("Uploaded module config to %s\n", moduleURI)

	// 8. Register the custom target type.
	manifest := targetTypeManifest(p.cfg)
	manifestData, err := manifest.marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(scratchDir, "clouddeploy.yaml"), manifestData, os.ModePerm); err != nil {
		return fmt.Errorf("unable to write the target type manifest: %v", err)
	}
	fmt.Printf("Applying custom target type %q\n", p.cfg.Name)
	if err := p.deploy.applyCustomTargetType(ctx, p.cfg.Name, manifest.actions()); err != nil {
		return fmt.Errorf("unable to apply the custom target type: %v", err)
	}

	fmt.Printf("Custom target type %q is registered\n", p.cfg.Name)
	return nil
}

// buildImage stages the build context, writes the build config to the
// scratch directory, and submits the build, blocking until it completes.
func (p *provisioner) buildImage(ctx context.Context, scratchDir string, checkout *sourceCheckout, bucket string) error {
	contextDir := filepath.Join(checkout.dir, p.cfg.SourcePath)
	tarPath := filepath.Join(scratchDir, "source.tgz")
	if err := stageSourceArchive(contextDir, tarPath); err != nil {
		return err
	}

	sourceObject := fmt.Sprintf("source/%s-%s.tgz", p.cfg.deployActionName(), checkout.commitSHA)
	build := buildConfig(p.cfg.imagePath(), checkout.commitSHA, bucket, sourceObject)
	buildData, err := marshalBuildConfig(build)
	if err != nil {
		return err
	}
	// Keep a copy of the submitted config alongside the other scratch artifacts.
	if err := os.WriteFile(filepath.Join(scratchDir, "cloudbuild.yaml"), buildData, os.ModePerm); err != nil {
		return fmt.Errorf("unable to write the build config: %v", err)
	}

	fmt.Printf("Submitting build for image %s\n", p.cfg.imagePath())
	if _, err := p.builds.submitBuild(ctx, build, tarPath); err != nil {
		return fmt.Errorf("image build failed: %v", err)
	}
	return nil
}

// withScratchDir creates a scratch directory for the run and guarantees its
// removal on every return path.
func withScratchDir(fn func(dir string) error) error {
	dir, err := os.MkdirTemp("", "custom-target-registrar-")
	if err != nil {
		return fmt.Errorf("unable to create scratch directory: %v", err)
	}
	defer os.RemoveAll(dir)
	return fn(dir)
}
