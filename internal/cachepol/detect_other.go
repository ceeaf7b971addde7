//go:build !amd64

package cachepol

// DetectFlushCapability on non-x86 hosts: DMA-coherent platforms with
// fine-grained cache maintenance are the norm, and the selector only
// consults this when a coherency service has already demanded management.
func DetectFlushCapability() FlushCapability {
	return FlushSelective
}
