package records

import (
	"fmt"
	"hash/fnv"

	"github.com/gowebpki/jcs"
)

// HashBlob computes the content hash of a JSON record blob: FNV-1a 64 over
// the RFC 8785 (JCS) canonical form. Two blobs that differ only in key order
// or whitespace hash identically, so a database rebuilt from re-serialized
// records keys the same objects under the same hashes.
func HashBlob(blob []byte) (Hash, error) {
	canonical, err := jcs.Transform(blob)
	if err != nil {
		return 0, fmt.Errorf("records: canonicalize: %w", err)
	}
	h := fnv.New64a()
	_, _ = h.Write(canonical) // fnv.Write never returns an error
	return Hash(h.Sum64()), nil
}
