package patch

import "crypto/md5"

// SkipChecksum hashes the buffer while skipping the byte ranges claimed
// by the patches, which must be sorted and disjoint. The result is a
// pure function of the bytes the patch set will not touch; in
// particular a patch's own destination never feeds the hash, which is
// what lets the output be stored inside one of the patched regions.
func SkipChecksum(buf []byte, patches []Patch) [16]byte {
	h := md5.New()

	pos := int64(0)
	for i := range patches {
		p := &patches[i]
		h.Write(buf[pos:p.Offset])
		pos = p.Offset + int64(len(p.Source))
	}
	h.Write(buf[pos:])

	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
