// Package results externalizes oversized step results to blob storage. The
// state keeps a { _ref } handle plus any output_select fields inline; the
// full value is fetched on demand
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/noetl/noetl/pkg/api"
)

type (
	// Store writes step results past the size threshold out-of-band and
	// resolves their handles back to full values
	Store struct {
		bucket   *blob.Bucket
		prefix   string
		maxBytes int
	}
)

// RefKey marks a map as an externalized-result handle
const RefKey = "_ref"

var ErrRefNotFound = errors.New("externalized result not found")

// NewStore opens the bucket named by a gocloud URL (s3://, gs://,
// azblob://, file://, mem://)
func NewStore(
	ctx context.Context, bucketURL, prefix string, maxBytes int,
) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return NewStoreWithBucket(bucket, prefix, maxBytes), nil
}

// NewStoreWithBucket wraps an already-open bucket; the store takes
// ownership and closes it
func NewStoreWithBucket(
	bucket *blob.Bucket, prefix string, maxBytes int,
) *Store {
	return &Store{bucket: bucket, prefix: prefix, maxBytes: maxBytes}
}

// Externalize stores a result out-of-band when its serialized form exceeds
// the threshold, returning the inline replacement: a handle carrying the
// output_select fields. Small results come back unchanged
func (s *Store) Externalize(
	ctx context.Context, executionID api.ID, step string, result any,
	outputSelect []string,
) (any, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	if len(data) <= s.maxBytes {
		return result, nil
	}

	key := s.keyFor(executionID, step)
	if err := s.bucket.WriteAll(ctx, key, data, nil); err != nil {
		return nil, fmt.Errorf("write result blob: %w", err)
	}

	handle := map[string]any{RefKey: key}
	if m, ok := result.(map[string]any); ok {
		for _, field := range outputSelect {
			if v, ok := m[field]; ok {
				handle[field] = v
			}
		}
	}
	return handle, nil
}

// Resolve follows a { _ref } handle back to the stored value. Values that
// are not handles pass through
func (s *Store) Resolve(ctx context.Context, v any) (any, error) {
	key, ok := RefOf(v)
	if !ok {
		return v, nil
	}

	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrRefNotFound, key)
		}
		return nil, err
	}

	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode result blob: %w", err)
	}
	return result, nil
}

// Cleanup deletes every externalized result stored for an execution
func (s *Store) Cleanup(ctx context.Context, executionID api.ID) error {
	iter := s.bucket.List(&blob.ListOptions{
		Prefix: s.prefix + executionID.String() + "/",
	})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil &&
			gcerrors.Code(err) != gcerrors.NotFound {
			return err
		}
	}
}

func (s *Store) Close() error {
	return s.bucket.Close()
}

func (s *Store) keyFor(executionID api.ID, step string) string {
	return s.prefix + executionID.String() + "/" + step + ".json"
}

// RefOf reports whether a value is an externalized-result handle and
// returns its blob key
func RefOf(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	key, ok := m[RefKey].(string)
	return key, ok
}
