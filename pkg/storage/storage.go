// --------------------------------------------------------------------------------
// Author: Thomas F McGeehan V
//
// This file is part of a software project developed by Thomas F McGeehan V.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// For more information about the MIT License, please visit:
// https://opensource.org/licenses/MIT
//
// Acknowledgment appreciated but not required.
// --------------------------------------------------------------------------------

// Package storage wires object storage buckets and the path layout used for
// tables, query snapshots and exported batches.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/go-kit/log"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/client"
	"github.com/thanos-io/objstore/providers/filesystem"
	"gopkg.in/yaml.v3"

	"github.com/arrowarc/lakesync/pkg/logging"
	"github.com/arrowarc/lakesync/pkg/schema"
)

const component = "lakesync"

// BucketConfig is the objstore client configuration: a provider type such
// as FILESYSTEM, S3 or GCS and the provider's own config block.
type BucketConfig struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
	Prefix string                 `yaml:"prefix,omitempty"`
}

// NewBucket opens the configured bucket. An empty type yields an in-memory
// bucket, FILESYSTEM is opened directly and every other provider goes
// through the objstore client factory.
func NewBucket(logger log.Logger, cfg BucketConfig) (objstore.Bucket, error) {
	logger = logging.OrNop(logger)
	switch strings.ToUpper(cfg.Type) {
	case "", "MEMORY", "INMEMORY":
		return objstore.NewInMemBucket(), nil
	case "FILESYSTEM":
		dir, _ := cfg.Config["directory"].(string)
		if dir == "" {
			return nil, fmt.Errorf("storage: filesystem bucket needs config.directory")
		}
		bkt, err := filesystem.NewBucket(dir)
		if err != nil {
			return nil, fmt.Errorf("storage: opening %s: %w", dir, err)
		}
		return objstore.NewPrefixedBucket(bkt, cfg.Prefix), nil
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: encoding bucket config: %w", err)
	}
	bkt, err := client.NewBucket(logger, raw, component)
	if err != nil {
		return nil, fmt.Errorf("storage: creating %s bucket: %w", cfg.Type, err)
	}
	return bkt, nil
}

// FolderPath is the folder all tables synced from one source live under.
func FolderPath(teamID, sourceID string) string {
	return path.Join("team_"+teamID, "source_"+sourceID)
}

// TablePath is the location of the versioned table of one resource.
func TablePath(folder, resource string) string {
	return path.Join(folder, schema.NormalizeName(resource))
}

// QueryRoot holds the timestamped query snapshots of a table.
func QueryRoot(tablePath string) string {
	return tablePath + "__query"
}

// QueryPath is one timestamped query snapshot folder.
func QueryPath(tablePath string, unix int64) string {
	return path.Join(QueryRoot(tablePath), fmt.Sprint(unix))
}

// BatchesPath holds the exported batch files of one run.
func BatchesPath(folder, resource, runID string) string {
	return path.Join(folder, schema.NormalizeName(resource)+"__batches", runID)
}

// Walk calls fn for every object under dir, descending into sub-directories.
func Walk(ctx context.Context, bkt objstore.BucketReader, dir string, fn func(name string) error) error {
	if dir != "" && !strings.HasSuffix(dir, objstore.DirDelim) {
		dir += objstore.DirDelim
	}
	return bkt.Iter(ctx, dir, func(name string) error {
		if strings.HasSuffix(name, objstore.DirDelim) {
			return Walk(ctx, bkt, name, fn)
		}
		return fn(name)
	})
}

// DeletePrefix removes every object under dir.
func DeletePrefix(ctx context.Context, bkt objstore.Bucket, dir string) error {
	var names []string
	if err := Walk(ctx, bkt, dir, func(name string) error {
		names = append(names, name)
		return nil
	}); err != nil {
		return err
	}
	for _, name := range names {
		if err := bkt.Delete(ctx, name); err != nil && !bkt.IsObjNotFoundErr(err) {
			return fmt.Errorf("deleting %s: %w", name, err)
		}
	}
	return nil
}

// Copy streams src to dst within the same bucket.
func Copy(ctx context.Context, bkt objstore.Bucket, src, dst string) error {
	r, err := bkt.Get(ctx, src)
	if err != nil {
		return err
	}
	defer r.Close()
	return bkt.Upload(ctx, dst, r)
}
