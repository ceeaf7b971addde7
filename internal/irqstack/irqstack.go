// Package irqstack gives each device class a private, guarded execution
// stack for handler-context scratch space, so interrupt work never grows
// the mainline stack and never allocates. Handlers carve frames from the
// slab through a scoped guard; a nested invocation is detected by "already
// on this stack" and continues from the current position instead of
// resetting it.
//
// The low end of every slab carries a canary pattern. A periodic sweep
// verifies it, quarantines the owning device's interrupt line on mismatch,
// and halts the whole driver once corruption repeats past a hard ceiling:
// running on an unreliable stack is categorically unsafe.
package irqstack

import (
	"fmt"
	"sync/atomic"

	"github.com/el3go/elcore/internal/stats"
)

const (
	// guardSize is the width of the canary region at the slab's low end.
	guardSize = 16

	// contextSize is the per-entry frame cost: the saved caller context
	// pushed on every Enter.
	contextSize = 16

	// MinCapacity covers the empirical worst case of ~20 nested frames at
	// ~100 bytes each, with headroom.
	MinCapacity = 2048

	// DefaultCapacity is what the driver allocates per device class.
	DefaultCapacity = 4096
)

// canaryWord is written across the guard region, low byte first.
var canaryWord uint16 = 0xdead

// Stack is one device class's private interrupt stack. Allocated once at
// driver load, never resized, torn down at unload.
type Stack struct {
	name string
	slab []byte

	// sp grows downward toward the guard. len(slab) means "not entered".
	sp int

	depth     int
	highWater int // deepest sp excursion, as bytes used
}

// New allocates a private stack of the given capacity (0 selects the
// default; anything below MinCapacity is rejected).
func New(name string, capacity int) (*Stack, error) {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity < MinCapacity {
		return nil, fmt.Errorf("irqstack: capacity %d below minimum %d", capacity, MinCapacity)
	}
	s := &Stack{
		name: name,
		slab: make([]byte, capacity),
		sp:   capacity,
	}
	s.rearmGuard()
	return s, nil
}

// Name returns the stack's device-class label.
func (s *Stack) Name() string { return s.name }

// HighWater returns the deepest usage seen, in bytes.
func (s *Stack) HighWater() int { return s.highWater }

// Depth returns the current nesting depth.
func (s *Stack) Depth() int { return s.depth }

// Frame is the saved caller context returned by Enter. Leave must run on
// every exit path, symmetric regardless of nesting.
type Frame struct {
	stack   *Stack
	savedSP int
	nested  bool
}

// Nested reports whether this entry found the stack already occupied.
func (f Frame) Nested() bool { return f.nested }

// Enter switches onto the private stack and pushes the caller context.
// If the current position already lies within bounds with headroom left,
// this is a nested invocation and the pointer is not reset. The switch
// itself must be atomic with respect to further interrupts; in this
// runtime the caller's dispatch loop provides that, matching the
// interrupts-blocked window of the original switch sequence.
func (s *Stack) Enter() Frame {
	f := Frame{stack: s, savedSP: s.sp}
	if s.sp < len(s.slab) && s.sp >= guardSize+contextSize {
		f.nested = true
	} else {
		s.sp = len(s.slab)
	}
	s.sp -= contextSize
	s.depth++
	s.noteDepth()
	return f
}

// Leave pops the caller context and restores the caller's pointer.
func (f Frame) Leave() {
	f.stack.sp = f.savedSP
	f.stack.depth--
}

// Alloc carves n bytes of handler scratch from the current frame. Returns
// nil when the request would run into the guard region; the handler must
// treat that as "no scratch available", never as an excuse to touch the
// mainline stack.
func (s *Stack) Alloc(n int) []byte {
	if n <= 0 || s.sp-n < guardSize {
		return nil
	}
	s.sp -= n
	s.noteDepth()
	return s.slab[s.sp : s.sp+n]
}

func (s *Stack) noteDepth() {
	if used := len(s.slab) - s.sp; used > s.highWater {
		s.highWater = used
	}
}

func (s *Stack) canaryIntact() bool {
	for i := 0; i < guardSize; i += 2 {
		if s.slab[i] != byte(canaryWord) || s.slab[i+1] != byte(canaryWord>>8) {
			return false
		}
	}
	return true
}

func (s *Stack) rearmGuard() {
	for i := 0; i < guardSize; i += 2 {
		s.slab[i] = byte(canaryWord)
		s.slab[i+1] = byte(canaryWord >> 8)
	}
}

// LineMasker quarantines a device's interrupt line. Satisfied by *pic.Line.
type LineMasker interface {
	Mask()
}

// Manager runs the periodic canary sweep over every registered stack.
type Manager struct {
	entries []managed
	st      *stats.Driver

	// ceiling is the cumulative corruption count that trips the halt.
	ceiling uint64
	seen    uint64

	halted atomic.Bool
	onHalt func()
}

type managed struct {
	stack *Stack
	line  LineMasker
}

// DefaultCorruptionCeiling is the repeated-corruption count after which the
// driver stops trusting its stacks entirely.
const DefaultCorruptionCeiling = 8

// NewManager builds a sweep manager. onHalt is invoked once, when the
// ceiling is crossed; it must disable all interrupt delivery.
func NewManager(st *stats.Driver, ceiling uint64, onHalt func()) *Manager {
	if ceiling == 0 {
		ceiling = DefaultCorruptionCeiling
	}
	return &Manager{st: st, ceiling: ceiling, onHalt: onHalt}
}

// Register adds a stack and the interrupt line to mask if its guard fails.
func (m *Manager) Register(s *Stack, line LineMasker) {
	m.entries = append(m.entries, managed{stack: s, line: line})
}

// Halted reports whether the corruption ceiling has been crossed.
func (m *Manager) Halted() bool { return m.halted.Load() }

// Check sweeps every guard once. Each corrupted stack masks its owning
// line, counts one overflow, and has its guard rewritten so the next sweep
// detects fresh corruption rather than re-reporting this one. Returns the
// number of corruptions found.
func (m *Manager) Check() int {
	if m.halted.Load() {
		return 0
	}
	found := 0
	for _, e := range m.entries {
		if e.stack.canaryIntact() {
			continue
		}
		found++
		if e.line != nil {
			e.line.Mask()
		}
		m.st.StackOverflows.Add(1)
		e.stack.rearmGuard()
	}
	if found > 0 {
		m.seen += uint64(found)
		if m.seen >= m.ceiling && m.halted.CompareAndSwap(false, true) {
			if m.onHalt != nil {
				m.onHalt()
			}
		}
	}
	return found
}
