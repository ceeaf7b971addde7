// Package cachepol decides, once per initialization, how every DMA
// completion path manages the CPU cache. Bus-mastering hardware on a bus
// without cache snooping can hand the driver stale data with no observable
// error, so "do nothing" is only safe when something credible says so; the
// unconditional strong flush is equally wrong because the instruction is
// privileged under virtualized execution and faults. The selector exists to
// avoid both wrong defaults, and the chosen action is installed as a
// function value so the decision is paid once, not per interrupt.
package cachepol

import (
	"fmt"
	"sync/atomic"

	"github.com/el3go/elcore/internal/hwio"
	"github.com/el3go/elcore/internal/vds"
)

// Tier is the selected cache-management strategy.
type Tier int

const (
	// Coherent: no action needed on any completion.
	Coherent Tier = iota
	// SelectiveFlush: flush only the cache lines the buffer touches.
	SelectiveFlush
	// FullFlush: flush the entire cache on every completion.
	FullFlush
	// SoftwareBarrier: ordering fence only, no physical flush. Degraded
	// fallback when management is required but no flush instruction
	// exists.
	SoftwareBarrier
	// NoDma: bus mastering cannot be made safe; force programmed I/O.
	NoDma
)

func (t Tier) String() string {
	switch t {
	case Coherent:
		return "coherent"
	case SelectiveFlush:
		return "selective-flush"
	case FullFlush:
		return "full-flush"
	case SoftwareBarrier:
		return "software-barrier"
	case NoDma:
		return "no-dma"
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

// FlushCapability describes what cache control the CPU offers.
type FlushCapability int

const (
	// FlushNone: no cache-control instruction at all.
	FlushNone FlushCapability = iota
	// FlushFullOnly: whole-cache writeback/invalidate only.
	FlushFullOnly
	// FlushSelective: fine-grained per-line flush.
	FlushSelective
)

func (c FlushCapability) String() string {
	switch c {
	case FlushNone:
		return "none"
	case FlushFullOnly:
		return "full-only"
	case FlushSelective:
		return "selective"
	}
	return fmt.Sprintf("FlushCapability(%d)", int(c))
}

// Inputs is everything the selection depends on.
type Inputs struct {
	// DMAInUse is false when every attached adapter is programmed-I/O.
	DMAInUse bool

	// Service is the virtual-DMA coherency service, nil or unavailable
	// when the platform offers none.
	Service *vds.Manager

	// Flush is the CPU's cache-control capability.
	Flush FlushCapability

	// Virtualized is true when the CPU runs in a mode where the
	// whole-cache flush is privileged and would fault.
	Virtualized bool
}

// Select applies the decision table. Priority order matters: the service's
// verdict outranks local guessing, and with neither a service nor a usable
// flush the only safe outcome is to stop bus mastering altogether.
func Select(in Inputs) Tier {
	if !in.DMAInUse {
		// A non-DMA transfer never bypasses the cache.
		return Coherent
	}
	if in.Service != nil && in.Service.Available() {
		if in.Service.CachePolicyHint() == vds.HintCoherent {
			return Coherent
		}
		switch in.Flush {
		case FlushSelective:
			return SelectiveFlush
		case FlushFullOnly:
			return FullFlush
		default:
			// Management required but nothing to manage with: keep the
			// ordering guarantee at least.
			return SoftwareBarrier
		}
	}
	// DMA with no service to consult: the highest-risk configuration.
	if in.Virtualized {
		// A faulting flush is worse than slower I/O.
		return NoDma
	}
	if in.Flush == FlushNone {
		return NoDma
	}
	return FullFlush
}

// Policy is the installed dispatch: one tier, one action, chosen at
// initialization and never branched on again. Re-selection happens only
// through an explicit re-initialization call.
type Policy struct {
	tier  Tier
	apply func(buf []byte)
	ops   *atomic.Uint64
}

// Install selects a tier from in and binds its completion action.
func Install(in Inputs) Policy {
	return policyFor(Select(in))
}

// ForTier builds a policy for an explicitly chosen tier. Used by
// re-initialization and by tests driving the full input matrix.
func ForTier(t Tier) Policy { return policyFor(t) }

func policyFor(t Tier) Policy {
	p := Policy{tier: t, ops: new(atomic.Uint64)}
	switch t {
	case Coherent:
		p.apply = func([]byte) {}
	case SelectiveFlush:
		p.apply = func(buf []byte) {
			flushLines(buf)
			hwio.Serialize()
		}
	case FullFlush:
		p.apply = func([]byte) {
			flushAll()
			hwio.Serialize()
		}
	case SoftwareBarrier:
		p.apply = func([]byte) { hwio.Serialize() }
	case NoDma:
		// The receive pipeline must never reach a DMA completion under
		// this tier; the action exists so a misrouted call is at least
		// ordered.
		p.apply = func([]byte) { hwio.Serialize() }
	}
	return p
}

// Tier returns the selected tier.
func (p Policy) Tier() Tier { return p.tier }

// AllowsDMA reports whether busmaster transfers may run at all.
func (p Policy) AllowsDMA() bool { return p.tier != NoDma }

// ApplyAfterDMA runs the chosen action on buf. It must execute after the
// device has finished writing and before the driver reads the data;
// reversed, the driver reads stale lines with no error anywhere.
func (p Policy) ApplyAfterDMA(buf []byte) {
	if p.apply == nil {
		return
	}
	p.ops.Add(1)
	p.apply(buf)
}

// Ops returns how many completions the action has processed.
func (p Policy) Ops() uint64 {
	if p.ops == nil {
		return 0
	}
	return p.ops.Load()
}
