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

// Package applysetters applies kpt-style param transformations to a yaml
// config file with the parameters provided as key value pairs. A field is
// annotated with a "# from-param: ${name}" line comment and its value is
// replaced with the value registered for "name".
package applysetters

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"sigs.k8s.io/kustomize/kyaml/yaml"
)

// setterRegex extracts the setter name from a "# from-param: ${name}" comment.
var setterRegex = regexp.MustCompile(`from-param:\s*\$\{([^}]+)\}`)

// ApplyParams sets the value of the kpt-style params in the input file with
// the values from the 'params' map. Fields whose setter name has no entry in
// params are left unchanged.
func ApplyParams(filePath string, params map[string]string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("unable to read config file %q: %v", filePath, err)
	}
	out, err := Apply(data, params)
	if err != nil {
		return fmt.Errorf("unable to apply params to %q: %v", filePath, err)
	}
	return os.WriteFile(filePath, out, os.ModePerm)
}

// Apply applies the params to the provided yaml document and returns the
// transformed document with field comments preserved.
func Apply(doc []byte, params map[string]string) ([]byte, error) {
	node, err := yaml.Parse(string(doc))
	if err != nil {
		return nil, err
	}
	applyToNode(node.YNode(), params)
	out, err := node.String()
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// applyToNode walks the yaml tree and replaces the value of every scalar
// annotated with a setter comment that has a value in params.
func applyToNode(node *yaml.Node, params map[string]string) {
	if node.Kind == yaml.ScalarNode {
		name, found := setterName(node.LineComment)
		if !found {
			return
		}
		value, ok := params[name]
		if !ok {
			return
		}
		node.Value = value
		// Quote values the yaml parser could otherwise retype.
		node.Tag = yaml.NodeTagEmpty
		node.Style = 0
		return
	}
	for _, c := range node.Content {
		applyToNode(c, params)
	}
}

// setterName parses the setter name out of a field's line comment.
func setterName(comment string) (string, bool) {
	c := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(comment), "#"))
	m := setterRegex.FindStringSubmatch(c)
	if len(m) != 2 {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}
