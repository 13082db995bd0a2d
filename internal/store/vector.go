package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

// vectorBlob packs v as little-endian float32s for the embedding column.
func vectorBlob(v []float32) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := binary.Append(make([]byte, 0, 4*len(v)), binary.LittleEndian, v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vector: %w", err)
	}
	return b, nil
}

// blobVector unpacks a blob written by vectorBlob. A positive dim requires
// the blob to hold exactly dim components.
func blobVector(b []byte, dim int) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: blob of %d bytes", ErrDimensionMismatch, len(b))
	}
	n := len(b) / 4
	if dim > 0 && n != dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, n, dim)
	}
	v := make([]float32, n)
	if n == 0 {
		return v, nil
	}
	if _, err := binary.Decode(b, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("failed to decode vector: %w", err)
	}
	return v, nil
}

// similarity is the cosine similarity of query and a stored blob, in [-1, 1].
// ok is false when the blob does not hold a vector of the query's length; a
// zero vector on either side scores 0.
func similarity(query []float32, blob []byte) (score float64, ok bool) {
	if len(query) == 0 {
		return 0, false
	}
	stored, err := blobVector(blob, len(query))
	if err != nil {
		return 0, false
	}
	var dot, qq, ss float64
	for i, q := range query {
		a, b := float64(q), float64(stored[i])
		dot += a * b
		qq += a * a
		ss += b * b
	}
	if qq == 0 || ss == 0 {
		return 0, true
	}
	return dot / math.Sqrt(qq*ss), true
}
