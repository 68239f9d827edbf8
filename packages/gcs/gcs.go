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

// Package gcs provides functions for interacting with Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"cloud.google.com/go/storage"
)

// UploadContent is used as a parameter for Upload that points to the source
// of the content to upload.
type UploadContent struct {
	// Content is this byte array.
	Data []byte
	// Content is in the file at this local path.
	LocalPath string
}

// Upload uploads the provided content to the specified Cloud Storage URI.
func Upload(ctx context.Context, gcsClient *storage.Client, gcsURI string, content *UploadContent) error {
	// Determine the source of the content to upload.
	var contentData []byte
	switch {
	case len(content.Data) != 0 && len(content.LocalPath) != 0:
		return fmt.Errorf("unable to determine the content to upload to GCS, both data and a local path were provided")
	case len(content.Data) != 0:
		contentData = content.Data
	case len(content.LocalPath) != 0:
		var err error
		contentData, err = os.ReadFile(content.LocalPath)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unable to determine the content to upload to GCS")
	}

	gcsObjURI, err := ParseURI(gcsURI)
	if err != nil {
		return err
	}
	w := gcsClient.Bucket(gcsObjURI.Bucket).Object(gcsObjURI.Name).NewWriter(ctx)
	if _, err := w.Write(contentData); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return nil
}

// BucketExists reports whether the bucket exists and is accessible.
func BucketExists(ctx context.Context, gcsClient *storage.Client, bucketName string) (bool, error) {
	_, err := gcsClient.Bucket(bucketName).Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("unable to get attributes for bucket %q: %v", bucketName, err)
	}
	return true, nil
}

// CreateBucket creates the bucket in the project at the provided location.
func CreateBucket(ctx context.Context, gcsClient *storage.Client, bucketName, projectID, location string) error {
	attrs := &storage.BucketAttrs{Location: location}
	if err := gcsClient.Bucket(bucketName).Create(ctx, projectID, attrs); err != nil {
		return fmt.Errorf("unable to create bucket %q: %v", bucketName, err)
	}
	return nil
}

// ObjectURI is used to split the object Cloud Storage URI into the bucket and name.
type ObjectURI struct {
	// Bucket the GCS object is in.
	Bucket string
	// Name of the GCS object.
	Name string
}

// ParseURI parses the Cloud Storage URI and returns the corresponding ObjectURI.
func ParseURI(uri string) (ObjectURI, error) {
	var obj ObjectURI
	u, err := url.Parse(uri)
	if err != nil {
		return ObjectURI{}, fmt.Errorf("cannot parse URI %q: %w", uri, err)
	}
	if u.Scheme != "gs" {
		return ObjectURI{}, fmt.Errorf("URI scheme is %q, must be 'gs'", u.Scheme)
	}
	if u.Host == "" {
		return ObjectURI{}, errors.New("bucket name is empty")
	}
	obj.Bucket = u.Host
	obj.Name = strings.TrimLeft(u.Path, "/")
	if obj.Name == "" {
		return ObjectURI{}, errors.New("object name is empty")
	}
	return obj, nil
}
