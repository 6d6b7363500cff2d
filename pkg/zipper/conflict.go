package zipper

// ShouldSkip reports whether an add for archivePath must be skipped given the
// paths already committed. Matching is exact and case-sensitive.
func ShouldSkip(existing map[string]struct{}, archivePath string, mode ConflictMode) bool {
	if mode != ConflictSkip {
		return false
	}
	_, ok := existing[archivePath]
	return ok
}
