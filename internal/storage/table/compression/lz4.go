package compression

import (
	"fmt"

	"github.com/pierrec/lz4"
)

// NoCompressor implements a pass-through compressor that doesn't compress data.
type NoCompressor struct{}

// Name returns the name of the compressor.
func (c *NoCompressor) Name() string {
	return "none"
}

// Compress returns the data unchanged.
func (c *NoCompressor) Compress(data []byte) ([]byte, error) {
	// Return a copy to ensure the caller can modify it safely
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

// Decompress returns the data unchanged.
func (c *NoCompressor) Decompress(data []byte, sizeHint int) ([]byte, error) {
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

// LZ4Compressor implements LZ4 block compression.
type LZ4Compressor struct{}

// Name returns the name of the compressor.
func (c *LZ4Compressor) Name() string {
	return "lz4"
}

// Compress compresses data using LZ4. Incompressible input yields an empty
// block per the lz4 contract; callers must fall back to storing raw bytes.
func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}

	maxSize := lz4.CompressBlockBound(len(data))
	compressed := make([]byte, maxSize)

	compressedSize, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compression failed: %w", err)
	}

	return compressed[:compressedSize], nil
}

// Decompress decompresses LZ4 data. With a positive sizeHint the output
// buffer is allocated exactly once; otherwise buffer sizes are grown until
// the block fits.
func (c *LZ4Compressor) Decompress(data []byte, sizeHint int) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}

	if sizeHint > 0 {
		decompressed := make([]byte, sizeHint)
		n, err := lz4.UncompressBlock(data, decompressed)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		return decompressed[:n], nil
	}

	for bufferSize := len(data) * 2; bufferSize <= len(data)*64; bufferSize *= 2 {
		decompressed := make([]byte, bufferSize)
		n, err := lz4.UncompressBlock(data, decompressed)
		if err == nil {
			return decompressed[:n], nil
		}
	}
	return nil, fmt.Errorf("lz4 decompression failed after multiple attempts")
}
