package bufpool

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"github.com/nanostore/blinkstore/pagestore"
)

// regionFor and bucketFor are H1/H2 from spec §4.1 step 1: "Compute
// region r = H1(fileid, pgno) mod num_regions; bucket b = H2(fileid,
// pgno) mod buckets(r)". Using two differently-seeded xxhash sums
// (carried from the xmysql-server example's own use of the same
// library for page/key hashing) keeps region and bucket selection
// independent instead of both derived from one hash's low/high bits.
func hashKey(id pagestore.FileID, pgno pagestore.Uid) []byte {
	buf := make([]byte, len(id)+8)
	copy(buf, id[:])
	binary.LittleEndian.PutUint64(buf[len(id):], uint64(pgno))
	return buf
}

func regionFor(id pagestore.FileID, pgno pagestore.Uid, numRegions int) int {
	h := xxhash.NewS64(0xc1a7)
	h.Write(hashKey(id, pgno))
	return int(h.Sum64() % uint64(numRegions))
}

func bucketFor(id pagestore.FileID, pgno pagestore.Uid, numBuckets int) int {
	h := xxhash.NewS64(0xb0c7e7)
	h.Write(hashKey(id, pgno))
	return int(h.Sum64() % uint64(numBuckets))
}
