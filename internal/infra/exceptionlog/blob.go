package exceptionlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"persistcore/internal/infra/blob"
	"persistcore/pkg/domain"
	"strings"
)

// DefaultPrefix is where BlobSink archives records when no prefix is set.
const DefaultPrefix = "exceptions/"

// BlobSink archives each record as a JSON object keyed
// <prefix>YYYY/MM/DD/<id>.json.
type BlobSink struct {
	store  blob.Store
	prefix string
}

func NewBlobSink(store blob.Store, prefix string) *BlobSink {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &BlobSink{store: store, prefix: prefix}
}

// Key returns the object key rec is archived under.
func (s *BlobSink) Key(rec domain.ExceptionRecord) string {
	return s.prefix + rec.Timestamp.UTC().Format("2006/01/02") + "/" + rec.ID + ".json"
}

func (s *BlobSink) Record(ctx context.Context, rec domain.ExceptionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode exception %s: %w", rec.ID, err)
	}
	_, err = s.store.Put(ctx, s.Key(rec), bytes.NewReader(data), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"kind": rec.Kind, "origin-host": rec.OriginHost},
	})
	if err != nil {
		return fmt.Errorf("archive exception %s: %w", rec.ID, err)
	}
	return nil
}
