// Package pagekv encodes one logical key's value as a single page's
// payload: a big-endian length prefix followed by the value bytes (and a
// reserved length sentinel for a tombstone), the same length-prefixed
// convention pkg/record uses for its own variable-length fields. This is
// what lets a key/value write ride through the page store and WAL
// before/after images like any other physical mutation, instead of the
// MVCC store being the only place a committed value ever lives.
package pagekv

import (
	"encoding/binary"

	"ariesdb/internal/dberror"
)

// tombstone is the length-prefix value reserved to mean "key deleted",
// distinct from a genuine zero-length value.
const tombstone = ^uint32(0)

// Encode renders value into dst (nil value with deleted=true encodes a
// tombstone), zeroing the remainder of dst. dst is normally a page's
// whole payload region, so the page's on-disk image is fully
// deterministic from (value, deleted) and stale trailing bytes never
// leak into a shorter value's image.
func Encode(dst []byte, value []byte, deleted bool) error {
	if len(dst) < 4 {
		return dberror.New(dberror.KindPermanent, dberror.CodeInvalidArgument, "page payload too small to carry a length header")
	}
	if deleted {
		binary.BigEndian.PutUint32(dst, tombstone)
		clear(dst[4:])
		return nil
	}
	if len(dst) < 4+len(value) {
		return dberror.New(dberror.KindPermanent, dberror.CodeInvalidArgument, "value too large for one page")
	}
	binary.BigEndian.PutUint32(dst, uint32(len(value)))
	n := copy(dst[4:], value)
	clear(dst[4+n:])
	return nil
}

// Decode reports the value src encodes: (nil, true) for a tombstone, or
// the stored value (possibly zero-length) otherwise.
func Decode(src []byte) (value []byte, deleted bool, err error) {
	if len(src) < 4 {
		return nil, false, dberror.New(dberror.KindPermanent, dberror.CodeCorruption, "page payload too small to carry a length header")
	}
	n := binary.BigEndian.Uint32(src)
	if n == tombstone {
		return nil, true, nil
	}
	if 4+int(n) > len(src) {
		return nil, false, dberror.New(dberror.KindPermanent, dberror.CodeCorruption, "page payload length exceeds page bounds")
	}
	return append([]byte(nil), src[4:4+n]...), false, nil
}
