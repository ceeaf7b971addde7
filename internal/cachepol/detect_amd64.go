//go:build amd64

package cachepol

import "golang.org/x/sys/cpu"

// DetectFlushCapability reports the host CPU's cache-control capability.
// SSE2 implies CLFLUSH; CLFLUSHOPT refines it, but both count as
// fine-grained here.
func DetectFlushCapability() FlushCapability {
	if cpu.X86.HasSSE2 || cpu.X86.HasCLFLUSHOPT {
		return FlushSelective
	}
	return FlushFullOnly
}
