package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/licensegate/internal/domain/model"
)

var issued = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "licenses.bolt")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func sampleLicense(key string) model.License {
	exp := issued.Add(7 * 24 * time.Hour)
	return model.License{Key: key, PluginID: "shop", Owner: "alice", IssuedAt: issued, ExpiresAt: &exp}
}

func TestStore_UpsertAndFind(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	want := sampleLicense("ABC.sig")
	require.NoError(t, s.Upsert(ctx, want))

	got, err := s.Find(ctx, "ABC.sig")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	missing, err := s.Find(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_NonExpiring(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	l := sampleLicense("ABC.sig")
	l.ExpiresAt = nil
	require.NoError(t, s.Upsert(ctx, l))

	got, err := s.Find(ctx, "ABC.sig")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.ExpiresAt)
}

func TestStore_Revoke(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, sampleLicense("ABC.sig")))

	ok, err := s.Revoke(ctx, "ABC.sig")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Revoke(ctx, "ABC.sig")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Revoke(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_UpsertNeverClearsRevoked(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, sampleLicense("ABC.sig")))
	_, err := s.Revoke(ctx, "ABC.sig")
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, sampleLicense("ABC.sig")))

	got, err := s.Find(ctx, "ABC.sig")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Revoked)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, sampleLicense("ABC.sig")))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Find(ctx, "ABC.sig")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Owner)
}

func TestStore_CanceledContext(t *testing.T) {
	s, _ := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, s.Upsert(ctx, sampleLicense("ABC.sig")), context.Canceled)
	_, err := s.Find(ctx, "ABC.sig")
	require.ErrorIs(t, err, context.Canceled)
}
