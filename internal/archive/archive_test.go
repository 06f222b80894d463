package archive

import (
	"context"
	"strings"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/cerberus-iot/cerberus/internal/errors"
	"github.com/cerberus-iot/cerberus/pkg/types"
)

var samplePacket = types.EncryptedPacket{
	KyberKeyBlob:  "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8gISIjJCUmJygp",
	IV:            "AAAAAAAAAAAAAAAA",
	Tag:           "AAAAAAAAAAAAAAAAAAAAAA==",
	EncryptedData: "e30=",
}

func newArchive(t *testing.T, opts Options) (*Archive, *LocalStore) {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	a, err := New(store, opts)
	require.NoError(t, err)
	return a, store
}

func TestArchive_RoundTripCompressed(t *testing.T) {
	a, store := newArchive(t, Options{ShardCount: 16, Compress: true})
	ctx := context.Background()

	key, err := a.Put(ctx, "ESP32-DEVKIT-001", "01JDA9Q7Z8X4M2N6P3R5T7V9W1", samplePacket)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "envelopes/"))
	assert.True(t, strings.HasSuffix(key, "/ESP32-DEVKIT-001/01JDA9Q7Z8X4M2N6P3R5T7V9W1.json.sz"))

	raw, err := store.Get(ctx, key)
	require.NoError(t, err)
	_, err = snappy.Decode(nil, raw)
	assert.NoError(t, err, "stored bytes should be snappy framed")

	got, err := a.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, samplePacket, got)

	ok, err := a.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestArchive_RoundTripPlain(t *testing.T) {
	a, store := newArchive(t, Options{ShardCount: 1})
	ctx := context.Background()

	key, err := a.Put(ctx, "dev", "r1", samplePacket)
	require.NoError(t, err)
	assert.Equal(t, "envelopes/00/dev/r1.json", key)

	raw, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kyber_key_blob"`)

	got, err := a.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, samplePacket, got)
}

func TestArchive_ShardIsStableAndBounded(t *testing.T) {
	a, _ := newArchive(t, Options{ShardCount: 8})
	for _, id := range []string{"a", "ESP32-A1", "LORA-C3", "", "device/with/slashes"} {
		s := a.Shard(id)
		assert.Less(t, s, uint32(8))
		assert.Equal(t, s, a.Shard(id))
	}
}

func TestArchive_KeysAreSinglePathSegments(t *testing.T) {
	a, _ := newArchive(t, Options{ShardCount: 1})
	assert.Equal(t, "envelopes/00/.._.._etc/r.json", a.Key("../../etc", "r"))
	assert.Equal(t, "envelopes/00/_/_.json", a.Key("", ".."))
}

func TestArchive_ListAndDelete(t *testing.T) {
	a, _ := newArchive(t, Options{Compress: true})
	ctx := context.Background()

	k1, err := a.Put(ctx, "dev-1", "r1", samplePacket)
	require.NoError(t, err)
	k2, err := a.Put(ctx, "dev-1", "r2", samplePacket)
	require.NoError(t, err)
	_, err = a.Put(ctx, "dev-2", "r3", samplePacket)
	require.NoError(t, err)

	keys, err := a.List(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, []string{k1, k2}, keys)

	require.NoError(t, a.Delete(ctx, k1))
	keys, err = a.List(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, []string{k2}, keys)
}

func TestArchive_GetMissing(t *testing.T) {
	a, _ := newArchive(t, Options{})
	_, err := a.Get(context.Background(), "envelopes/00/none/none.json")
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeObjectNotFound, cerrors.GetCode(err))
}

func TestArchive_GetCorrupt(t *testing.T) {
	a, store := newArchive(t, Options{ShardCount: 1, Compress: true})
	ctx := context.Background()

	key := a.Key("dev", "bad")
	require.NoError(t, store.Put(ctx, key, []byte("not snappy")))

	_, err := a.Get(ctx, key)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeDownloadFailed, cerrors.GetCode(err))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)

	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	_, err = New(store, Options{ShardCount: 300})
	assert.Error(t, err)
	_, err = New(store, Options{ShardCount: -1})
	assert.Error(t, err)
}
