package audit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// archivePageSize bounds each read while collecting a full history
const archivePageSize = 500

// ObjectPutter uploads a single object to blob storage
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentType string) error
}

// Archiver exports a subject's complete history to object storage
type Archiver struct {
	store  Store
	bucket ObjectPutter
	prefix string
	now    func() time.Time
}

// NewArchiver creates an archiver writing under prefix
func NewArchiver(store Store, bucket ObjectPutter, prefix string) *Archiver {
	return &Archiver{
		store:  store,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
	}
}

// Collect reads every entry of a subject, newest first
func Collect(ctx context.Context, store Store, subjectID int64) ([]*Entry, error) {
	var all []*Entry
	for offset := 0; ; offset += archivePageSize {
		page, err := store.Query(ctx, subjectID, archivePageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < archivePageSize {
			break
		}
	}
	if all == nil {
		all = []*Entry{}
	}
	return all, nil
}

// Archive uploads the subject's history and returns the object key
func (a *Archiver) Archive(ctx context.Context, subjectID int64, format ExportFormat) (string, error) {
	if a.bucket == nil {
		return "", fmt.Errorf("archive storage is not configured")
	}

	entries, err := Collect(ctx, a.store, subjectID)
	if err != nil {
		return "", fmt.Errorf("failed to collect history: %w", err)
	}

	data, err := Export(entries, format)
	if err != nil {
		return "", err
	}

	key := a.objectKey(subjectID, format)
	if err := a.bucket.PutObject(ctx, key, bytes.NewReader(data), format.ContentType()); err != nil {
		return "", fmt.Errorf("failed to upload archive: %w", err)
	}

	return key, nil
}

func (a *Archiver) objectKey(subjectID int64, format ExportFormat) string {
	stamp := a.now().UTC().Format("20060102T150405Z")
	key := fmt.Sprintf("history/%d/%s-%s.%s", subjectID, stamp, uuid.NewString(), format.Extension())
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	return key
}
