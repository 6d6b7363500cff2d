package zipper

// CompressionSelector maps requested modes to codecs.
//
// When the codec layer cannot set the method per entry, every entry gets
// CodecDefault and the request is satisfied on a best-effort basis.
type CompressionSelector struct {
	perEntry bool
}

// NewCompressionSelector returns a selector for a codec layer that does or
// does not support per-entry compression methods.
func NewCompressionSelector(supportsNamedCompression bool) CompressionSelector {
	return CompressionSelector{perEntry: supportsNamedCompression}
}

// SupportsNamedCompression reports the capability the selector was built with.
func (s CompressionSelector) SupportsNamedCompression() bool {
	return s.perEntry
}

// Select returns the codec for mode.
func (s CompressionSelector) Select(mode CompressionMode) Codec {
	if !s.perEntry {
		return CodecDefault
	}
	if mode == ModeStore {
		return CodecStore
	}
	return CodecDeflate
}
