// Package slot defines the execution slot entity: one pre-warmed browser
// container owned exclusively by the scheduler. Slot state is process-local
// and rebuilt on restart.
package slot

import (
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a slot.
type State int32

const (
	StateIdle State = iota
	StateAssigned
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAssigned:
		return "assigned"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	}
	return "unknown"
}

// Slot is one execution container. State transitions go through atomic
// compare-and-swap so a slot can never be claimed twice.
type Slot struct {
	ID             string
	state          atomic.Int32
	tenantID       atomic.Value // string
	leaseExpiresAt atomic.Int64 // unix nanos, 0 = no lease
}

// New creates an idle slot.
func New(id string) *Slot {
	s := &Slot{ID: id}
	s.tenantID.Store("")
	return s
}

// State returns the current state.
func (s *Slot) State() State {
	return State(s.state.Load())
}

// Claim atomically transitions idle -> assigned for the given tenant.
// Returns false if the slot is not idle.
func (s *Slot) Claim(tenantID string, lease time.Duration) bool {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateAssigned)) {
		return false
	}
	s.tenantID.Store(tenantID)
	s.leaseExpiresAt.Store(time.Now().Add(lease).UnixNano())
	return true
}

// Start transitions assigned -> running.
func (s *Slot) Start() bool {
	return s.state.CompareAndSwap(int32(StateAssigned), int32(StateRunning))
}

// Drain transitions assigned or running -> draining, entered on completion or
// hard timeout before the reset routine runs.
func (s *Slot) Drain() bool {
	if s.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return true
	}
	return s.state.CompareAndSwap(int32(StateAssigned), int32(StateDraining))
}

// Release transitions draining -> idle after the reset routine has cleared
// browser/session state.
func (s *Slot) Release() bool {
	if !s.state.CompareAndSwap(int32(StateDraining), int32(StateIdle)) {
		return false
	}
	s.tenantID.Store("")
	s.leaseExpiresAt.Store(0)
	return true
}

// TenantID returns the tenant currently holding the slot, or "".
func (s *Slot) TenantID() string {
	v, _ := s.tenantID.Load().(string)
	return v
}

// LeaseExpired reports whether the slot's lease has lapsed.
func (s *Slot) LeaseExpired(now time.Time) bool {
	exp := s.leaseExpiresAt.Load()
	return exp != 0 && now.UnixNano() > exp
}
