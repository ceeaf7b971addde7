// Package vds is the boundary to the platform's virtual-DMA coherency
// service. The core never locks DMA buffers itself; it asks the service,
// and it only does so from the idle context. Unlock requests that surface
// at unsafe points are parked on a deferred list and flushed at the next
// safe call point.
package vds

import (
	"fmt"
	"sync"
)

// CacheHint is the service's verdict on the platform's DMA coherency.
type CacheHint int

const (
	// HintCoherent means DMA and CPU caches agree without driver action.
	HintCoherent CacheHint = iota
	// HintNeedsManagement means the driver must manage cache state around
	// every DMA transfer.
	HintNeedsManagement
)

func (h CacheHint) String() string {
	switch h {
	case HintCoherent:
		return "coherent"
	case HintNeedsManagement:
		return "needs-management"
	}
	return fmt.Sprintf("CacheHint(%d)", int(h))
}

// BufferHandle describes a buffer pinned for device access.
type BufferHandle struct {
	PhysicalAddress uint64
	Length          int
	// id is service-private.
	id uint64
}

// Service is the external collaborator contract.
type Service interface {
	IsAvailable() bool
	CachePolicyHint() CacheHint
	LockBufferForDMA(buf []byte) (BufferHandle, error)
	UnlockBuffer(h BufferHandle) error
}

// Manager wraps a Service with the deferred-unlock discipline. All methods
// are idle-context only, with the single exception of DeferUnlock, which
// merely records the request.
type Manager struct {
	svc Service

	mu      sync.Mutex
	pending []BufferHandle

	deferred uint64
}

// NewManager wraps svc, which may be nil when no service is present.
func NewManager(svc Service) *Manager {
	return &Manager{svc: svc}
}

// Available reports whether a service is present and answering.
func (m *Manager) Available() bool {
	return m.svc != nil && m.svc.IsAvailable()
}

// CachePolicyHint forwards the service's coherency verdict. Only
// meaningful when Available.
func (m *Manager) CachePolicyHint() CacheHint {
	if !m.Available() {
		return HintNeedsManagement
	}
	return m.svc.CachePolicyHint()
}

// Lock pins buf for device access. Any deferred unlocks are flushed first;
// Lock is by definition a safe call point.
func (m *Manager) Lock(buf []byte) (BufferHandle, error) {
	if !m.Available() {
		return BufferHandle{}, fmt.Errorf("vds: no coherency service present")
	}
	m.FlushDeferred()
	return m.svc.LockBufferForDMA(buf)
}

// Unlock releases a pinned buffer immediately.
func (m *Manager) Unlock(h BufferHandle) error {
	if !m.Available() {
		return fmt.Errorf("vds: no coherency service present")
	}
	return m.svc.UnlockBuffer(h)
}

// DeferUnlock records an unlock to be performed at the next safe call
// point. Legal from any context; it touches no service state.
func (m *Manager) DeferUnlock(h BufferHandle) {
	m.mu.Lock()
	m.pending = append(m.pending, h)
	m.deferred++
	m.mu.Unlock()
}

// FlushDeferred performs every parked unlock. Idle context only. Returns
// the number flushed.
func (m *Manager) FlushDeferred() int {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, h := range pending {
		_ = m.svc.UnlockBuffer(h)
	}
	return len(pending)
}

// PendingUnlocks reports the deferred backlog, for diagnostics.
func (m *Manager) PendingUnlocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
