// SPDX-License-Identifier: MIT

// Package contentaddr implements mediabin's content-address scheme
// (spec.md §4.5, L5): a deterministic identifier and on-disk path derived
// from a media item's source-site identity.
package contentaddr

import (
	"crypto/md5" //nolint:gosec // used only as a stable identifier, not a cryptographic primitive (spec.md §3)
	"encoding/hex"
	"fmt"
)

// ID returns the 32-hex-character content hash for a media source
// identified by extractor and sourceID: lowercase_hex(MD5(extractor +
// "__" + sourceID)). The result is deterministic and byte-identical
// across runs and machines (spec.md P6).
func ID(extractor, sourceID string) string {
	sum := md5.Sum([]byte(extractor + "__" + sourceID)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// ObjectPath returns the on-disk path fragment h[0:4]/h[4:8]/h for a
// content-address id h, giving a directory fanout of 16^4 at each of two
// levels. ObjectPath panics if id is not a 32-character string, since an
// id ever reaching this function with the wrong shape indicates a bug
// upstream (ids are only ever produced by ID).
func ObjectPath(id string) string {
	if len(id) != 32 {
		panic(fmt.Sprintf("contentaddr: id %q is not 32 hex characters", id))
	}
	return fmt.Sprintf("%s/%s/%s", id[0:4], id[4:8], id)
}
