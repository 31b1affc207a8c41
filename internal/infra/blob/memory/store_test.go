package memory

import (
	"context"
	"io"
	"persistcore/internal/infra/blob"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := New()
	stamp := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	s.now = func() time.Time { return stamp }

	md := map[string]string{"kind": "boom"}
	info, err := s.Put(ctx, "x/1", strings.NewReader("hello"), blob.PutOptions{ContentType: "text/plain", Metadata: md})
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", info.ETag)
	assert.Equal(t, stamp, info.LastModified)

	md["kind"] = "mutated"
	info.Metadata["kind"] = "mutated"
	head, err := s.Head(ctx, "x/1")
	require.NoError(t, err)
	assert.Equal(t, "boom", head.Metadata["kind"])

	_, err = s.Put(ctx, "x/1", strings.NewReader("again"), blob.PutOptions{})
	require.ErrorIs(t, err, blob.ErrExists)

	_, rc, err := s.Get(ctx, "x/1")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = s.Put(ctx, "y/1", strings.NewReader(""), blob.PutOptions{})
	require.NoError(t, err)
	list, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "x/1", list[0].Key)

	ok, err := s.Delete(ctx, "x/1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Delete(ctx, "x/1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, err = s.Get(ctx, "x/1")
	require.ErrorIs(t, err, blob.ErrNotFound)
}
