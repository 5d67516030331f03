// Package hostctl is the host control service: exclusive environment leases
// and resource arbitration envelopes, gated by capability tokens.
//
// Every successful acquire, release, and arbitrate appends a pipeline_event
// entry through the dual-write mirror, so lease history is auditable from
// the ledger alone without consulting live service state.
package hostctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strataos/keel/pkg/capability"
	"github.com/strataos/keel/pkg/ledger"
	"github.com/strataos/keel/pkg/mirror"
)

// Denial codes specific to host control.
const (
	DenyNoActiveLease  = "no_active_lease"
	DenyNotLeaseHolder = "not_lease_holder"
)

// Lease is exclusive ownership of one environment. At most one active
// (unreleased) lease exists per environment id at any time.
type Lease struct {
	LeaseID         string     `json:"lease_id"`
	EnvironmentID   string     `json:"environment_id"`
	HolderTokenID   string     `json:"holder_token_id"`
	HolderPrincipal string     `json:"holder_principal"`
	GrantedAt       time.Time  `json:"granted_at"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
}

// Active reports whether the lease is still held.
func (l Lease) Active() bool { return l.ReleasedAt == nil }

// AlreadyLeasedError is returned when acquiring an environment that has an
// active lease. Holder is the current holder's token id; callers may retry
// after release.
type AlreadyLeasedError struct {
	EnvironmentID string
	Holder        string
}

func (e *AlreadyLeasedError) Error() string {
	return fmt.Sprintf("hostctl: environment %s already leased by token %s", e.EnvironmentID, e.Holder)
}

// ResourceRequest describes the resources a lease holder asks to arbitrate.
type ResourceRequest struct {
	CPUMillis int `json:"cpu_millis"`
	MemoryMB  int `json:"memory_mb"`
	GPUs      int `json:"gpus,omitempty"`
}

// ResourceEnvelope is a granted arbitration: meaningful only under an
// active exclusive lease.
type ResourceEnvelope struct {
	EnvelopeID    string          `json:"envelope_id"`
	EnvironmentID string          `json:"environment_id"`
	GrantedTo     string          `json:"granted_to"`
	Request       ResourceRequest `json:"request"`
	GrantedAt     time.Time       `json:"granted_at"`
}

// TokenGate is the slice of the capability service host control depends on.
type TokenGate interface {
	Validate(ctx context.Context, tokenID string, requiredScopes ...string) error
	Get(ctx context.Context, tokenID string) (capability.Token, error)
}

// Appender is the slice of the dual-write mirror host control appends
// through.
type Appender interface {
	Append(ctx context.Context, kind ledger.Kind, reference string, payload json.RawMessage) (ledger.Entry, error)
}

// Telemetry counts granted leases. Satisfied by observability.Provider; nil
// disables counting.
type Telemetry interface {
	RecordLease(ctx context.Context, environmentID string)
}

// envSlot is the per-environment lease slot; its mutex is the only blocking
// point for acquire.
type envSlot struct {
	mu     sync.Mutex
	active *Lease
}

// Service grants leases and arbitration envelopes.
type Service struct {
	gate      TokenGate
	recorder  Appender
	telemetry Telemetry
	clock     func() time.Time

	mu     sync.Mutex
	slots  map[string]*envSlot
	leases map[string]*Lease // lease id -> lease (shared with slots)
}

// NewService wires the host control service.
func NewService(gate TokenGate, recorder Appender) *Service {
	return &Service{
		gate:     gate,
		recorder: recorder,
		clock:    time.Now,
		slots:    make(map[string]*envSlot),
		leases:   make(map[string]*Lease),
	}
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithTelemetry attaches a lease counter.
func (s *Service) WithTelemetry(t Telemetry) *Service {
	s.telemetry = t
	return s
}

// AcquireLease grants exclusive ownership of environmentID to the token's
// principal. Requires the host.environment.takeover scope. Fails with
// AlreadyLeasedError if an active lease exists.
func (s *Service) AcquireLease(ctx context.Context, tokenID, environmentID string) (Lease, error) {
	if environmentID == "" {
		return Lease{}, fmt.Errorf("hostctl: environment id is required")
	}
	if err := s.gate.Validate(ctx, tokenID, capability.ScopeEnvironmentTakeover); err != nil {
		return Lease{}, err
	}
	tok, err := s.gate.Get(ctx, tokenID)
	if err != nil {
		return Lease{}, fmt.Errorf("hostctl: load token: %w", err)
	}

	slot := s.slot(environmentID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.active != nil && slot.active.Active() {
		already := &AlreadyLeasedError{EnvironmentID: environmentID, Holder: slot.active.HolderTokenID}
		if err := s.record(ctx, map[string]interface{}{
			"event":          "lease_denied",
			"environment_id": environmentID,
			"token_id":       tokenID,
			"holder":         already.Holder,
		}); err != nil {
			return Lease{}, err
		}
		return Lease{}, already
	}

	lease := &Lease{
		LeaseID:         uuid.NewString(),
		EnvironmentID:   environmentID,
		HolderTokenID:   tokenID,
		HolderPrincipal: tok.IssuedTo,
		GrantedAt:       s.clock(),
	}
	slot.active = lease

	s.mu.Lock()
	s.leases[lease.LeaseID] = lease
	s.mu.Unlock()

	if err := s.record(ctx, map[string]interface{}{
		"event":          "lease_acquired",
		"lease_id":       lease.LeaseID,
		"environment_id": environmentID,
		"token_id":       tokenID,
		"principal":      lease.HolderPrincipal,
	}); err != nil {
		// An unrecorded lease must not hold the environment. The slot lock is
		// still held, so the rollback is never observable.
		slot.active = nil
		s.mu.Lock()
		delete(s.leases, lease.LeaseID)
		s.mu.Unlock()
		return Lease{}, err
	}
	if s.telemetry != nil {
		s.telemetry.RecordLease(ctx, environmentID)
	}
	return *lease, nil
}

// ReleaseLease releases a held lease. Only the original holder token, or a
// token carrying host.admin.override, may release. Releasing an already
// released lease is a no-op.
func (s *Service) ReleaseLease(ctx context.Context, leaseID, tokenID string) error {
	s.mu.Lock()
	lease, ok := s.leases[leaseID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("hostctl: lease %s not found", leaseID)
	}

	if tokenID == lease.HolderTokenID {
		// Holder releases with any still-honored token.
		if err := s.gate.Validate(ctx, tokenID); err != nil {
			return err
		}
	} else {
		if err := s.gate.Validate(ctx, tokenID, capability.ScopeAdminOverride); err != nil {
			return err
		}
	}

	slot := s.slot(lease.EnvironmentID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if !lease.Active() {
		return nil
	}
	now := s.clock()
	lease.ReleasedAt = &now
	wasActive := slot.active != nil && slot.active.LeaseID == leaseID
	if wasActive {
		slot.active = nil
	}

	if err := s.record(ctx, map[string]interface{}{
		"event":          "lease_released",
		"lease_id":       leaseID,
		"environment_id": lease.EnvironmentID,
		"token_id":       tokenID,
	}); err != nil {
		// An unrecorded release must not free the environment.
		lease.ReleasedAt = nil
		if wasActive {
			slot.active = lease
		}
		return err
	}
	return nil
}

// ArbitrateResources grants a resource envelope for a leased environment.
// Requires the host.resource.arbitrate scope, and the token's principal
// must hold the active lease: arbitration without exclusive ownership is
// always denied, even with a valid scope.
func (s *Service) ArbitrateResources(ctx context.Context, tokenID, environmentID string, req ResourceRequest) (ResourceEnvelope, error) {
	if err := s.gate.Validate(ctx, tokenID, capability.ScopeResourceArbitrate); err != nil {
		return ResourceEnvelope{}, err
	}
	tok, err := s.gate.Get(ctx, tokenID)
	if err != nil {
		return ResourceEnvelope{}, fmt.Errorf("hostctl: load token: %w", err)
	}

	slot := s.slot(environmentID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	var denied *capability.DeniedError
	switch {
	case slot.active == nil || !slot.active.Active():
		denied = &capability.DeniedError{
			Code:   DenyNoActiveLease,
			Reason: fmt.Sprintf("environment %s has no active lease", environmentID),
		}
	case slot.active.HolderPrincipal != tok.IssuedTo:
		denied = &capability.DeniedError{
			Code:   DenyNotLeaseHolder,
			Reason: fmt.Sprintf("principal %q does not hold the lease on %s", tok.IssuedTo, environmentID),
		}
	}
	if denied != nil {
		if err := s.record(ctx, map[string]interface{}{
			"event":          "arbitration_denied",
			"environment_id": environmentID,
			"token_id":       tokenID,
			"reason_code":    denied.Code,
		}); err != nil {
			return ResourceEnvelope{}, err
		}
		return ResourceEnvelope{}, denied
	}

	env := ResourceEnvelope{
		EnvelopeID:    uuid.NewString(),
		EnvironmentID: environmentID,
		GrantedTo:     tok.IssuedTo,
		Request:       req,
		GrantedAt:     s.clock(),
	}
	if err := s.record(ctx, map[string]interface{}{
		"event":          "resource_arbitrated",
		"envelope_id":    env.EnvelopeID,
		"environment_id": environmentID,
		"token_id":       tokenID,
		"principal":      tok.IssuedTo,
		"cpu_millis":     req.CPUMillis,
		"memory_mb":      req.MemoryMB,
		"gpus":           req.GPUs,
	}); err != nil {
		return ResourceEnvelope{}, err
	}
	return env, nil
}

// ActiveLease returns the active lease for an environment, if any.
func (s *Service) ActiveLease(environmentID string) (Lease, bool) {
	slot := s.slot(environmentID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.active == nil || !slot.active.Active() {
		return Lease{}, false
	}
	return *slot.active, true
}

func (s *Service) slot(environmentID string) *envSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[environmentID]
	if !ok {
		slot = &envSlot{}
		s.slots[environmentID] = slot
	}
	return slot
}

func (s *Service) record(ctx context.Context, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("hostctl: marshal record: %w", err)
	}
	if _, err := s.recorder.Append(ctx, ledger.KindPipelineEvent, "", data); err != nil {
		var partial *mirror.PartialMirrorError
		if errors.As(err, &partial) {
			slog.Warn("hostctl: mirror drift while recording event",
				"kind", partial.Kind, "offset", partial.Offset)
			return nil
		}
		return fmt.Errorf("hostctl: record event: %w", err)
	}
	return nil
}
