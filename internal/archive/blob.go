// Package archive writes terminal run records to a blob store through
// gocloud.dev, supporting S3, GCS, Azure Blob Storage, and
// S3-compatible stores.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/fernwood/operon/pkg/api"
)

type (
	// Record is the archived snapshot of one finished procedure run
	Record struct {
		ProcedureID api.ProcedureID `json:"procedure_id"`
		SessionID   api.SessionID   `json:"session_id"`
		Procedure   string          `json:"procedure"`
		Success     bool            `json:"success"`
		Result      any             `json:"result,omitempty"`
		State       map[string]any  `json:"state,omitempty"`
		Iterations  int             `json:"iterations"`
		ToolsUsed   []string        `json:"tools_used,omitempty"`
		Error       string          `json:"error,omitempty"`
		ArchivedAt  time.Time       `json:"archived_at"`
	}

	// BlobArchiver persists run records keyed by procedure ID
	BlobArchiver struct {
		bucket *blob.Bucket
		prefix string
	}
)

var ErrRecordNotFound = errors.New("archived record not found")

// NewBlobArchiver opens the bucket named by URL (s3://, gs://,
// azblob://, mem://, file://)
func NewBlobArchiver(
	ctx context.Context, bucketURL, prefix string,
) (*BlobArchiver, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return &BlobArchiver{bucket: bucket, prefix: prefix}, nil
}

// Put writes one run record
func (a *BlobArchiver) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return a.bucket.WriteAll(ctx, a.keyFor(rec.ProcedureID), data, nil)
}

// Get reads the archived record for a procedure
func (a *BlobArchiver) Get(
	ctx context.Context, id api.ProcedureID,
) (*Record, error) {
	data, err := a.bucket.ReadAll(ctx, a.keyFor(id))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes an archived record; a missing record is not an error
func (a *BlobArchiver) Delete(ctx context.Context, id api.ProcedureID) error {
	err := a.bucket.Delete(ctx, a.keyFor(id))
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

func (a *BlobArchiver) Close() error {
	return a.bucket.Close()
}

func (a *BlobArchiver) keyFor(id api.ProcedureID) string {
	return a.prefix + string(id) + ".json"
}
