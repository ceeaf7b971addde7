package cachepol

// cacheLineSize matches the line granularity of the fine-grained flush.
const cacheLineSize = 64

// Hosted builds run on cache-coherent memory, so the physical flush
// reduces to touching the affected lines plus the serializing fence the
// caller issues; the tier accounting and call ordering are preserved
// exactly, which is what the completion paths and their tests depend on.

func flushLines(buf []byte) {
	for i := 0; i < len(buf); i += cacheLineSize {
		_ = buf[i]
	}
}

func flushAll() {}
