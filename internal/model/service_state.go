package model

import (
	"context"
	"fmt"
	"sync"
)

// ServiceStatus is a step of the NEW → STARTING → RUNNING → STOPPING →
// TERMINATED lifecycle. FAILED may be entered from any state.
type ServiceStatus int

const (
	ServiceNew ServiceStatus = iota
	ServiceStarting
	ServiceRunning
	ServiceStopping
	ServiceTerminated
	ServiceFailed
)

func (s ServiceStatus) String() string {
	switch s {
	case ServiceNew:
		return "NEW"
	case ServiceStarting:
		return "STARTING"
	case ServiceRunning:
		return "RUNNING"
	case ServiceStopping:
		return "STOPPING"
	case ServiceTerminated:
		return "TERMINATED"
	case ServiceFailed:
		return "FAILED"
	}
	return fmt.Sprintf("ServiceStatus(%d)", int(s))
}

// ServiceState tracks a component lifecycle and lets callers wait on it.
type ServiceState struct {
	mu      sync.Mutex
	status  ServiceStatus
	err     error
	changed chan struct{}
}

// NewServiceState returns a state in NEW.
func NewServiceState() *ServiceState {
	return &ServiceState{changed: make(chan struct{})}
}

// Status returns the current status.
func (s *ServiceState) Status() ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error recorded by Fail.
func (s *ServiceState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Transition moves forward to next. Moving backwards, or leaving a final
// state, is rejected.
func (s *ServiceState) Transition(next ServiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final() {
		return fmt.Errorf("service already %s", s.status)
	}
	if next <= s.status && next != ServiceFailed {
		return fmt.Errorf("illegal transition %s -> %s", s.status, next)
	}
	s.set(next)
	return nil
}

// Fail moves to FAILED recording err. A terminated service stays terminated.
func (s *ServiceState) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final() {
		return
	}
	s.err = err
	s.set(ServiceFailed)
}

func (s *ServiceState) final() bool {
	return s.status == ServiceTerminated || s.status == ServiceFailed
}

func (s *ServiceState) set(next ServiceStatus) {
	s.status = next
	close(s.changed)
	s.changed = make(chan struct{})
}

// AwaitRunning blocks until RUNNING or a final state is reached.
func (s *ServiceState) AwaitRunning(ctx context.Context) error {
	return s.await(ctx, func(st ServiceStatus) bool { return st >= ServiceRunning })
}

// AwaitTerminated blocks until TERMINATED or FAILED.
func (s *ServiceState) AwaitTerminated(ctx context.Context) error {
	return s.await(ctx, func(st ServiceStatus) bool { return st >= ServiceTerminated })
}

func (s *ServiceState) await(ctx context.Context, done func(ServiceStatus) bool) error {
	for {
		s.mu.Lock()
		st, err, ch := s.status, s.err, s.changed
		s.mu.Unlock()
		if st == ServiceFailed {
			return fmt.Errorf("service failed: %w", err)
		}
		if done(st) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
