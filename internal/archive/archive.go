package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	cerrors "github.com/cerberus-iot/cerberus/internal/errors"
	"github.com/cerberus-iot/cerberus/pkg/types"
)

const (
	// Prefix is the root of every archived envelope key.
	Prefix = "envelopes"

	// DefaultShardCount spreads devices over 256 key prefixes.
	DefaultShardCount = 256

	compressedSuffix = ".json.sz"
	plainSuffix      = ".json"
)

// Options configures an Archive.
type Options struct {
	// ShardCount is the number of key prefixes devices are spread over (1-256).
	ShardCount int
	// Compress stores envelopes snappy-compressed.
	Compress bool
}

// Archive stores sealed envelopes at
// envelopes/{shard:02x}/{deviceId}/{reportId}.json[.sz].
type Archive struct {
	store    ObjectStore
	shards   uint32
	compress bool
}

// New creates an archive over store.
func New(store ObjectStore, opts Options) (*Archive, error) {
	if store == nil {
		return nil, errors.New("archive: nil object store")
	}
	if opts.ShardCount == 0 {
		opts.ShardCount = DefaultShardCount
	}
	if opts.ShardCount < 1 || opts.ShardCount > 256 {
		return nil, fmt.Errorf("archive: shard count %d out of range [1, 256]", opts.ShardCount)
	}
	return &Archive{
		store:    store,
		shards:   uint32(opts.ShardCount),
		compress: opts.Compress,
	}, nil
}

// Shard returns the shard a device's envelopes live under.
func (a *Archive) Shard(deviceID string) uint32 {
	return murmur3.Sum32([]byte(deviceID)) % a.shards
}

// DevicePrefix returns the key prefix holding all envelopes of a device.
func (a *Archive) DevicePrefix(deviceID string) string {
	return fmt.Sprintf("%s/%02x/%s/", Prefix, a.Shard(deviceID), safeSegment(deviceID))
}

// Key returns the object key of one envelope.
func (a *Archive) Key(deviceID, reportID string) string {
	suffix := plainSuffix
	if a.compress {
		suffix = compressedSuffix
	}
	return a.DevicePrefix(deviceID) + safeSegment(reportID) + suffix
}

// Put archives the envelope of a report and returns its key.
func (a *Archive) Put(ctx context.Context, deviceID, reportID string, packet types.EncryptedPacket) (string, error) {
	data, err := json.Marshal(packet)
	if err != nil {
		return "", cerrors.NewInternalError("failed to encode envelope", err)
	}
	if a.compress {
		data = snappy.Encode(nil, data)
	}

	key := a.Key(deviceID, reportID)
	if err := a.store.Put(ctx, key, data); err != nil {
		return "", cerrors.NewStorageError(cerrors.CodeUploadFailed, "failed to archive envelope", err)
	}
	return key, nil
}

// Get reads an archived envelope back. Compression is detected from the key.
func (a *Archive) Get(ctx context.Context, key string) (types.EncryptedPacket, error) {
	var packet types.EncryptedPacket

	data, err := a.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return packet, cerrors.NewStorageError(cerrors.CodeObjectNotFound, "envelope not found: "+key, err)
		}
		return packet, cerrors.NewStorageError(cerrors.CodeDownloadFailed, "failed to read envelope", err)
	}

	if strings.HasSuffix(key, compressedSuffix) {
		if data, err = snappy.Decode(nil, data); err != nil {
			return packet, cerrors.NewStorageError(cerrors.CodeDownloadFailed, "corrupt envelope: "+key, err)
		}
	}
	if err := json.Unmarshal(data, &packet); err != nil {
		return packet, cerrors.NewStorageError(cerrors.CodeDownloadFailed, "corrupt envelope: "+key, err)
	}
	return packet, nil
}

// Exists reports whether an envelope is archived under key.
func (a *Archive) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := a.store.Exists(ctx, key)
	if err != nil {
		return false, cerrors.NewStorageError(cerrors.CodeDownloadFailed, "failed to stat envelope", err)
	}
	return ok, nil
}

// Delete removes an archived envelope.
func (a *Archive) Delete(ctx context.Context, key string) error {
	if err := a.store.Delete(ctx, key); err != nil {
		return cerrors.NewStorageError(cerrors.CodeUploadFailed, "failed to delete envelope", err)
	}
	return nil
}

// List returns the keys of every archived envelope of a device.
func (a *Archive) List(ctx context.Context, deviceID string) ([]string, error) {
	keys, err := a.store.List(ctx, a.DevicePrefix(deviceID))
	if err != nil {
		return nil, cerrors.NewStorageError(cerrors.CodeDownloadFailed, "failed to list envelopes", err)
	}
	return keys, nil
}

// safeSegment maps an identifier onto a single path segment.
func safeSegment(s string) string {
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
