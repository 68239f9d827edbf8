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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	retry "github.com/avast/retry-go/v4"
	"github.com/plumpy/custom-target-registrar/packages/gcs"
	"google.golang.org/api/artifactregistry/v1"
	"google.golang.org/api/cloudbuild/v1"
	"google.golang.org/api/clouddeploy/v1"
	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/googleapi"
)

// registryService abstracts the container registry the deployer image is
// pushed to.
type registryService interface {
	// repoExists reports whether the registry repository exists.
	repoExists(ctx context.Context) (bool, error)
	// createRepo creates the registry repository and waits for it to be usable.
	createRepo(ctx context.Context) error
	// grantReader grants the registry reader role on the repository to the member.
	grantReader(ctx context.Context, member string) error
	// imageDigest returns the immutable digest the tag currently points at.
	imageDigest(ctx context.Context, imageName, tag string) (string, error)
}

// bucketService abstracts the object store holding module configs and staged
// build sources.
type bucketService interface {
	bucketExists(ctx context.Context, name string) (bool, error)
	createBucket(ctx context.Context, name string) error
	// upload writes the content to the Cloud Storage URI.
	upload(ctx context.Context, uri string, content *gcs.UploadContent) error
}

// buildService abstracts the remote build service.
type buildService interface {
	// submitBuild stages the source tarball, submits the build, and blocks
	// until the build reaches a terminal state. The terminal build is returned.
	submitBuild(ctx context.Context, build *cloudbuild.Build, sourceTarPath string) (*cloudbuild.Build, error)
}

// deployService abstracts the deployment management service.
type deployService interface {
	// applyCustomTargetType creates or updates the custom target type and
	// waits for the operation to complete.
	applyCustomTargetType(ctx context.Context, name string, actions *clouddeploy.CustomTargetSkaffoldActions) error
}

// projectService abstracts project metadata lookups.
type projectService interface {
	projectNumber(ctx context.Context, projectID string) (int64, error)
}

// errInProgress signals a poll attempt found the operation not yet terminal.
var errInProgress = errors.New("operation still in progress")

// isNotFound reports whether the error is an HTTP 404 from the API.
func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// arRegistry implements registryService on the Artifact Registry API.
type arRegistry struct {
	service *artifactregistry.Service
	project string
	region  string
	repoID  string
}

func newARRegistry(service *artifactregistry.Service, cfg *config) *arRegistry {
	return &arRegistry{
		service: service,
		project: cfg.ProjectID,
		region:  cfg.Region,
		repoID:  registryRepoID,
	}
}

// parent is the location resource name the repository lives under.
func (r *arRegistry) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", r.project, r.region)
}

// repoName is the repository resource name.
func (r *arRegistry) repoName() string {
	return fmt.Sprintf("%s/repositories/%s", r.parent(), r.repoID)
}

func (r *arRegistry) repoExists(ctx context.Context) (bool, error) {
	_, err := r.service.Projects.Locations.Repositories.Get(r.repoName()).Context(ctx).Do()
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("unable to get repository %q: %v", r.repoName(), err)
	}
	return true, nil
}

func (r *arRegistry) createRepo(ctx context.Context) error {
	repo := &artifactregistry.Repository{
		Format:      "DOCKER",
		Description: "Cloud Deploy custom target images",
	}
	op, err := r.service.Projects.Locations.Repositories.Create(r.parent(), repo).RepositoryId(r.repoID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to create repository %q: %v", r.repoName(), err)
	}
	if err := waitForOperation(ctx, func() (bool, error, error) {
		o, err := r.service.Projects.Locations.Operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return false, nil, err
		}
		var opErr error
		if o.Error != nil {
			opErr = fmt.Errorf("operation failed with code %d: %s", o.Error.Code, o.Error.Message)
		}
		return o.Done, opErr, nil
	}); err != nil {
		return fmt.Errorf("error waiting for repository creation: %v", err)
	}
	return nil
}

func (r *arRegistry) grantReader(ctx context.Context, member string) error {
	policy, err := r.service.Projects.Locations.Repositories.GetIamPolicy(r.repoName()).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to get IAM policy for repository %q: %v", r.repoName(), err)
	}
	var binding *artifactregistry.Binding
	for _, b := range policy.Bindings {
		if b.Role == registryReaderRole {
			binding = b
			break
		}
	}
	if binding == nil {
		binding = &artifactregistry.Binding{Role: registryReaderRole}
		policy.Bindings = append(policy.Bindings, binding)
	}
	for _, m := range binding.Members {
		// A duplicate grant converges to the same policy.
		if m == member {
			return nil
		}
	}
	binding.Members = append(binding.Members, member)
	_, err = r.service.Projects.Locations.Repositories.SetIamPolicy(r.repoName(), &artifactregistry.SetIamPolicyRequest{
		Policy: policy,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to set IAM policy for repository %q: %v", r.repoName(), err)
	}
	return nil
}

func (r *arRegistry) imageDigest(ctx context.Context, imageName, tag string) (string, error) {
	name := fmt.Sprintf("%s/packages/%s/tags/%s", r.repoName(), imageName, tag)
	t, err := r.service.Projects.Locations.Repositories.Packages.Tags.Get(name).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to get tag %q: %v", name, err)
	}
	// The tag version is "<repo>/packages/<image>/versions/sha256:<hash>".
	idx := strings.LastIndex(t.Version, "/versions/")
	if idx == -1 {
		return "", fmt.Errorf("unexpected version format for tag %q: %q", name, t.Version)
	}
	digest := t.Version[idx+len("/versions/"):]
	if !strings.HasPrefix(digest, "sha256:") {
		return "", fmt.Errorf("version %q for tag %q is not a sha256 digest", digest, name)
	}
	return digest, nil
}

// gcsBuckets implements bucketService on the Cloud Storage client.
type gcsBuckets struct {
	client  *storage.Client
	project string
	region  string
}

func newGCSBuckets(client *storage.Client, cfg *config) *gcsBuckets {
	return &gcsBuckets{client: client, project: cfg.ProjectID, region: cfg.Region}
}

func (b *gcsBuckets) bucketExists(ctx context.Context, name string) (bool, error) {
	return gcs.BucketExists(ctx, b.client, name)
}

func (b *gcsBuckets) createBucket(ctx context.Context, name string) error {
	return gcs.CreateBucket(ctx, b.client, name, b.project, b.region)
}

func (b *gcsBuckets) upload(ctx context.Context, uri string, content *gcs.UploadContent) error {
	return gcs.Upload(ctx, b.client, uri, content)
}

// cbBuilds implements buildService on the Cloud Build API.
type cbBuilds struct {
	service   *cloudbuild.Service
	gcsClient *storage.Client
	project   string
	region    string
}

func newCBBuilds(service *cloudbuild.Service, gcsClient *storage.Client, cfg *config) *cbBuilds {
	return &cbBuilds{
		service:   service,
		gcsClient: gcsClient,
		project:   cfg.ProjectID,
		region:    cfg.Region,
	}
}

func (b *cbBuilds) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", b.project, b.region)
}

func (b *cbBuilds) submitBuild(ctx context.Context, build *cloudbuild.Build, sourceTarPath string) (*cloudbuild.Build, error) {
	if build.Source == nil || build.Source.StorageSource == nil {
		return nil, fmt.Errorf("build is missing a storage source")
	}
	ss := build.Source.StorageSource
	srcURI := fmt.Sprintf("gs://%s/%s", ss.Bucket, ss.Object)
	fmt.Printf("Staging build source at %s\n", srcURI)
	if err := gcs.Upload(ctx, b.gcsClient, srcURI, &gcs.UploadContent{LocalPath: sourceTarPath}); err != nil {
		return nil, fmt.Errorf("unable to stage build source: %v", err)
	}

	op, err := b.service.Projects.Locations.Builds.Create(b.parent(), build).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to create build: %v", err)
	}
	var meta cloudbuild.BuildOperationMetadata
	if err := json.Unmarshal(op.Metadata, &meta); err != nil {
		return nil, fmt.Errorf("unable to parse build operation metadata: %v", err)
	}
	if meta.Build == nil {
		return nil, fmt.Errorf("build operation %q has no build metadata", op.Name)
	}
	buildName := fmt.Sprintf("%s/builds/%s", b.parent(), meta.Build.Id)
	fmt.Printf("Submitted build %s\n", meta.Build.Id)
	if meta.Build.LogUrl != "" {
		fmt.Printf("Build logs: %s\n", meta.Build.LogUrl)
	}
	return b.pollBuildUntilTerminal(ctx, buildName)
}

// buildInProgress is the set of non-terminal build statuses.
var buildInProgress = map[string]bool{
	"STATUS_UNKNOWN": true,
	"PENDING":        true,
	"QUEUED":         true,
	"WORKING":        true,
}

// pollBuildUntilTerminal repeatedly gets the build until all retry attempts
// are consumed or the build reaches a terminal status.
func (b *cbBuilds) pollBuildUntilTerminal(ctx context.Context, buildName string) (*cloudbuild.Build, error) {
	attempts := 0
	bld, err := retry.DoWithData(
		func() (*cloudbuild.Build, error) {
			attempts++
			bld, err := b.service.Projects.Locations.Builds.Get(buildName).Context(ctx).Do()
			if err != nil {
				return nil, err
			}
			fmt.Printf("Build %s status is %s\n", bld.Id, bld.Status)
			if buildInProgress[bld.Status] {
				return nil, errInProgress
			}
			return bld, nil
		},
		// Keep retrying only while the build was retrieved and is still running.
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errInProgress)
		}),
		retry.Attempts(80),
		retry.Delay(15*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("error polling build until terminal state after %d attempts: %v", attempts, err)
	}
	if bld.Status != "SUCCESS" {
		return nil, fmt.Errorf("build %s finished with status %s: %s", bld.Id, bld.Status, bld.StatusDetail)
	}
	return bld, nil
}

// cdDeploy implements deployService on the Cloud Deploy API.
type cdDeploy struct {
	service *clouddeploy.Service
	project string
	region  string
}

func newCDDeploy(service *clouddeploy.Service, cfg *config) *cdDeploy {
	return &cdDeploy{service: service, project: cfg.ProjectID, region: cfg.Region}
}

func (d *cdDeploy) applyCustomTargetType(ctx context.Context, name string, actions *clouddeploy.CustomTargetSkaffoldActions) error {
	resource := fmt.Sprintf("projects/%s/locations/%s/customTargetTypes/%s", d.project, d.region, name)
	ctt := &clouddeploy.CustomTargetType{
		Name:          resource,
		CustomActions: actions,
	}
	op, err := d.service.Projects.Locations.CustomTargetTypes.Patch(resource, ctt).
		AllowMissing(true).
		UpdateMask("customActions").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("unable to apply custom target type %q: %v", resource, err)
	}
	if err := waitForOperation(ctx, func() (bool, error, error) {
		o, err := d.service.Projects.Locations.Operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return false, nil, err
		}
		var opErr error
		if o.Error != nil {
			opErr = fmt.Errorf("operation failed with code %d: %s", o.Error.Code, o.Error.Message)
		}
		return o.Done, opErr, nil
	}); err != nil {
		return fmt.Errorf("error waiting for custom target type apply: %v", err)
	}
	return nil
}

// crmProjects implements projectService on the Cloud Resource Manager API.
type crmProjects struct {
	service *cloudresourcemanager.Service
}

func newCRMProjects(service *cloudresourcemanager.Service) *crmProjects {
	return &crmProjects{service: service}
}

func (p *crmProjects) projectNumber(ctx context.Context, projectID string) (int64, error) {
	proj, err := p.service.Projects.Get(projectID).Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("unable to get project %q: %v", projectID, err)
	}
	return proj.ProjectNumber, nil
}

// waitForOperation polls the provided getter until the long-running operation
// is done or the retry budget is exhausted. The getter returns whether the
// operation is done, the operation's own error if it finished unsuccessfully,
// and any error retrieving the operation.
func waitForOperation(ctx context.Context, get func() (bool, error, error)) error {
	return retry.Do(
		func() error {
			done, opErr, err := get()
			if err != nil {
				return err
			}
			if !done {
				return errInProgress
			}
			return opErr
		},
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errInProgress)
		}),
		retry.Attempts(60),
		retry.Delay(5*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}
