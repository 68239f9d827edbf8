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

package applysetters

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestApply(t *testing.T) {
	tests := []struct {
		desc   string
		doc    string
		params map[string]string
		want   string
	}{
		{
			desc: "replaces annotated scalars",
			doc: `apiVersion: skaffold/v4beta7
kind: Config
metadata:
  name: action-name # from-param: ${custom-action}
customActions:
- name: action-name # from-param: ${custom-action}
  containers:
  - name: action-name # from-param: ${custom-action}
    image: image-placeholder # from-param: ${image}
`,
			params: map[string]string{
				"custom-action": "git-deployer",
				"image":         "us-central1-docker.pkg.dev/demo/cd-custom-targets/git-deployer@sha256:abc",
			},
			want: `apiVersion: skaffold/v4beta7
kind: Config
metadata:
  name: git-deployer # from-param: ${custom-action}
customActions:
- name: git-deployer # from-param: ${custom-action}
  containers:
  - name: git-deployer # from-param: ${custom-action}
    image: us-central1-docker.pkg.dev/demo/cd-custom-targets/git-deployer@sha256:abc # from-param: ${image}
`,
		},
		{
			desc: "missing params leave fields unchanged",
			doc: `metadata:
  name: placeholder # from-param: ${name}
  region: placeholder # from-param: ${region}
`,
			params: map[string]string{
				"region": "us-central1",
			},
			want: `metadata:
  name: placeholder # from-param: ${name}
  region: us-central1 # from-param: ${region}
`,
		},
		{
			desc: "fields without setter comments are untouched",
			doc: `metadata:
  name: keep-me
  # a stray comment
  region: placeholder # from-param: ${region}
`,
			params: map[string]string{
				"name":   "nope",
				"region": "us-central1",
			},
			want: `metadata:
  name: keep-me
  # a stray comment
  region: us-central1 # from-param: ${region}
`,
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			got, err := Apply([]byte(test.doc), test.params)
			if err != nil {
				t.Fatalf("Apply() returned error: %v", err)
			}
			if diff := cmp.Diff(string(got), test.want); diff != "" {
				t.Errorf("Apply() mismatch (-got +want):\n%s", diff)
			}
		})
	}
}

func TestApplyParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skaffold.yaml")
	doc := "image: placeholder # from-param: ${image}\n"
	if err := os.WriteFile(path, []byte(doc), os.ModePerm); err != nil {
		t.Fatalf("unable to write test file: %v", err)
	}

	if err := ApplyParams(path, map[string]string{"image": "img@sha256:123"}); err != nil {
		t.Fatalf("ApplyParams() returned error: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unable to read back file: %v", err)
	}
	if !strings.Contains(string(got), "image: img@sha256:123") {
		t.Errorf("ApplyParams() wrote %q, want the image value set", string(got))
	}
}

func TestSetterName(t *testing.T) {
	tests := []struct {
		comment   string
		wantName  string
		wantFound bool
	}{
		{comment: "# from-param: ${image}", wantName: "image", wantFound: true},
		{comment: "# from-param: ${custom-action}", wantName: "custom-action", wantFound: true},
		{comment: "# some other comment", wantFound: false},
		{comment: "", wantFound: false},
	}
	for _, test := range tests {
		name, found := setterName(test.comment)
		if found != test.wantFound || name != test.wantName {
			t.Errorf("setterName(%q) = (%q, %t), want (%q, %t)", test.comment, name, found, test.wantName, test.wantFound)
		}
	}
}
