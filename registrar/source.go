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
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/mholt/archiver/v3"
)

const (
	gitBin = "git"

	// samplesRepoURL is the repository holding the custom target sources.
	samplesRepoURL = "https://github.com/GoogleCloudPlatform/cloud-deploy-samples.git"
)

// sourceCheckout is a local copy of the samples repository.
type sourceCheckout struct {
	// dir is the root of the checkout.
	dir string
	// commitSHA is the short SHA of the checked out HEAD.
	commitSHA string
}

// sourceService resolves the source checkout the deployer image is built from.
type sourceService interface {
	resolve(ctx context.Context, scratchDir string) (*sourceCheckout, error)
}

// gitSource implements sourceService with the git CLI.
type gitSource struct {
	repoURL string
	// localDir is an existing checkout to reuse. When empty the repository is
	// cloned into the scratch directory.
	localDir string
	// tokenSecret is a Secret Manager SecretVersion holding a clone token.
	tokenSecret string
	smClient    *secretmanager.Client
}

func newGitSource(cfg *config, smClient *secretmanager.Client) *gitSource {
	return &gitSource{
		repoURL:     samplesRepoURL,
		localDir:    cfg.SourceDir,
		tokenSecret: cfg.GitTokenSecret,
		smClient:    smClient,
	}
}

func (g *gitSource) resolve(ctx context.Context, scratchDir string) (*sourceCheckout, error) {
	dir := g.localDir
	if dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("source directory %q is not usable: %v", dir, err)
		}
		fmt.Printf("Using existing source checkout at %s\n", dir)
	} else {
		dir = filepath.Join(scratchDir, "source")
		cloneURL := g.repoURL
		if g.tokenSecret != "" {
			token, err := secretVersionData(ctx, g.tokenSecret, g.smClient)
			if err != nil {
				return nil, fmt.Errorf("unable to access clone token: %v", err)
			}
			cloneURL, err = cloneURLWithToken(g.repoURL, token)
			if err != nil {
				return nil, err
			}
		}
		fmt.Printf("Cloning %s\n", g.repoURL)
		// The clone command isn't logged since the URL may embed a token.
		if _, err := runCmd(ctx, gitBin, []string{"clone", cloneURL, dir}, "", false); err != nil {
			return nil, fmt.Errorf("unable to clone %s: %v", g.repoURL, err)
		}
	}

	out, err := runCmd(ctx, gitBin, []string{"rev-parse", "--short", "HEAD"}, dir, true)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve the checkout commit: %v", err)
	}
	return &sourceCheckout{
		dir:       dir,
		commitSHA: strings.TrimSpace(string(out)),
	}, nil
}

// cloneURLWithToken embeds the token in the clone URL as basic auth credentials.
func cloneURLWithToken(repoURL, token string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("unable to parse repository URL %q: %v", repoURL, err)
	}
	u.User = url.UserPassword("oauth2", token)
	return u.String(), nil
}

// stageSourceArchive archives the contents of the build context directory
// into a tar.gz at tarPath.
func stageSourceArchive(contextDir, tarPath string) error {
	entries, err := os.ReadDir(contextDir)
	if err != nil {
		return fmt.Errorf("unable to read build context %q: %v", contextDir, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("build context %q is empty", contextDir)
	}
	// Archive the directory contents rather than the directory itself so the
	// build's working directory contains the Dockerfile at its root.
	var sources []string
	for _, e := range entries {
		sources = append(sources, filepath.Join(contextDir, e.Name()))
	}
	if err := archiver.NewTarGz().Archive(sources, tarPath); err != nil {
		return fmt.Errorf("unable to archive build context %q: %v", contextDir, err)
	}
	return nil
}

// secretVersionData accesses the Secret Manager SecretVersion and returns the
// data payload.
func secretVersionData(ctx context.Context, secretVersion string, smClient *secretmanager.Client) (string, error) {
	fmt.Printf("Accessing SecretVersion %s\n", secretVersion)
	res, err := smClient.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretVersion,
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret version %s: %v", secretVersion, err)
	}
	crc32c := crc32.MakeTable(crc32.Castagnoli)
	// Verify the data checksum.
	checksum := int64(crc32.Checksum(res.Payload.Data, crc32c))
	if checksum != *res.Payload.DataCrc32C {
		return "", fmt.Errorf("data corruption detected with secret version")
	}
	return string(res.Payload.Data), nil
}

// runCmd starts and waits for the provided command with args to complete. If
// the command succeeds it returns the stdout of the command.
func runCmd(ctx context.Context, binPath string, args []string, dir string, logCmd bool) ([]byte, error) {
	if logCmd {
		fmt.Printf("Running the following command: %s %s\n", binPath, args)
	}
	cmd := exec.CommandContext(ctx, binPath, args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	errWriter := io.MultiWriter(&stderr, os.Stderr)
	cmd.Stderr = errWriter

	var stdout bytes.Buffer
	outWriter := io.MultiWriter(&stdout, os.Stdout)
	cmd.Stdout = outWriter

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %v", err)
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("error running command: %v\n%s", err, stderr.Bytes())
	}
	return stdout.Bytes(), nil
}
