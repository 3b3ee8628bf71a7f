package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/lfedgeai/spear/runtime/errs"
	"github.com/lfedgeai/spear/runtime/eventbus"
	"github.com/lfedgeai/spear/runtime/kv"
)

// File is a file-service record: metadata for content the SMS file endpoint
// serves (artifact blobs referenced via sms+file:// URIs, uploads from the
// console). Content lives in a kv blob namespace; the record carries only
// metadata.
type File struct {
	ID          string
	Name        string
	ContentType string
	Size        int64
	SHA256      string
	CreatedAtMS int64
	UpdatedAtMS int64
}

// FileRegistry owns the `file:` namespace: metadata in the registry, content
// bytes in a kv.Store keyed by `file:<id>`.
type FileRegistry struct {
	base  *base[File]
	blobs kv.Store
}

// NewFileRegistry constructs a FileRegistry. pub may be nil to disable event
// publication; blobs holds the content bytes.
func NewFileRegistry(pub eventbus.Publisher, obs *Observability, blobs kv.Store) *FileRegistry {
	return &FileRegistry{
		base: newBase[File]("file", obs, pub, eventbus.ResourceFile, nil, func(cur, candidate File) bool {
			return candidate.UpdatedAtMS >= cur.UpdatedAtMS
		}),
		blobs: blobs,
	}
}

func fileBlobKey(id string) []byte { return []byte("file:" + id) }

// Put stores content under f.ID and records its metadata, computing size
// and content hash here so callers can't desynchronize them.
func (r *FileRegistry) Put(ctx context.Context, f File, content []byte) (File, error) {
	if f.ID == "" {
		return File{}, errs.Wrap(errs.ErrValidation, "file id is required")
	}
	sum := sha256.Sum256(content)
	f.SHA256 = hex.EncodeToString(sum[:])
	f.Size = int64(len(content))
	if err := r.blobs.Put(ctx, fileBlobKey(f.ID), content); err != nil {
		return File{}, errs.Wrap(errs.ErrStorage, "store file %q content: %v", f.ID, err)
	}
	r.base.Put(ctx, f.ID, f)
	return f, nil
}

// Get returns a file's metadata.
func (r *FileRegistry) Get(ctx context.Context, id string) (File, bool) { return r.base.Get(ctx, id) }

// Content returns a file's bytes, or ErrNotFound.
func (r *FileRegistry) Content(ctx context.Context, id string) ([]byte, error) {
	b, err := r.blobs.Get(ctx, fileBlobKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, errs.Wrap(errs.ErrNotFound, "file %q", id)
		}
		return nil, errs.Wrap(errs.ErrStorage, "load file %q content: %v", id, err)
	}
	return b, nil
}

// List returns every file record, sorted by id.
func (r *FileRegistry) List(ctx context.Context) []File { return r.base.List(ctx) }

// Delete removes a file's metadata and content.
func (r *FileRegistry) Delete(ctx context.Context, id string) bool {
	_ = r.blobs.Delete(ctx, fileBlobKey(id))
	return r.base.Delete(ctx, id)
}
