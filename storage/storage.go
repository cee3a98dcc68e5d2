// Package storage defines the consumed interface over the content-addressed
// storage network used for evidence uploads. Implementations own transports
// and funding; the workflow core only uploads blobs and polls their status.
package storage

import "context"

// UploadStatus is the observable lifecycle of an uploaded blob.
type UploadStatus string

const (
	// StatusPending means the upload was accepted but not yet settled.
	StatusPending UploadStatus = "pending"

	// StatusConfirmed means the blob is durably stored and retrievable.
	StatusConfirmed UploadStatus = "confirmed"

	// StatusNotFound means the network has no record of the id. Uploads are
	// fungible: a lost id is healed by uploading again under a fresh id,
	// not by waiting.
	StatusNotFound UploadStatus = "not_found"
)

// Tags are indexing metadata attached to an upload.
type Tags map[string]string

// Adapter is the storage interface consumed by the workflow core.
//
// Upload is not idempotent: calling it twice stores two objects with two
// ids. This is deliberate and safe; the workflow persists the returned id
// before depending on it, and duplicate blobs are garbage to the network,
// not a double-spend.
type Adapter interface {
	// Upload stores data with the given tags and returns the storage id.
	Upload(ctx context.Context, data []byte, tags Tags) (string, error)

	// Status returns the current status of a previously uploaded blob.
	Status(ctx context.Context, id string) (UploadStatus, error)
}
