package payload

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// CompressedStore compresses payloads with zstd before handing them to
// the underlying Store.
type CompressedStore struct {
	next    Store
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressedStore wraps next with zstd compression.
func NewCompressedStore(next Store) (*CompressedStore, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &CompressedStore{next: next, encoder: encoder, decoder: decoder}, nil
}

func (c *CompressedStore) Put(ctx context.Context, key string, data []byte) error {
	return c.next.Put(ctx, key, c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)))
}

func (c *CompressedStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := c.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", key, err)
	}
	return data, nil
}

func (c *CompressedStore) Delete(ctx context.Context, key string) error {
	return c.next.Delete(ctx, key)
}
