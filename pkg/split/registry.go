package split

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxParticipants bounds the roster when no limit is configured.
const DefaultMaxParticipants = 100

// Options configures a Registry. Zero values pick the defaults noted on
// each field.
type Options struct {
	// Ledger receives value transfers; defaults to NopLedger.
	Ledger Ledger
	// Emitter receives session events; defaults to NopEmitter.
	Emitter EventEmitter
	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
	// MaxParticipants caps roster size; defaults to DefaultMaxParticipants.
	MaxParticipants int
	// Policy selects the settlement rule; defaults to SettleAggregate.
	Policy SettlementPolicy
	// AllowTerminalReuse lets a new session reclaim the id of a settled,
	// cancelled, or expired one. Off by default: any collision is an error.
	AllowTerminalReuse bool
}

// Registry is the process-wide store of sessions. It owns the only
// mutable handles: every operation locks exactly one session, runs to
// completion (including cascading automatic transitions), and emits the
// resulting events before the next operation on that session begins.
// Operations on different sessions proceed independently.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ledger  Ledger
	emitter EventEmitter
	clock   func() time.Time

	maxParticipants int
	policy          SettlementPolicy
	allowReuse      bool
}

// NewRegistry creates an empty registry. The registry is passed explicitly
// to every caller; there is no package-level instance.
func NewRegistry(opts Options) *Registry {
	if opts.Ledger == nil {
		opts.Ledger = NopLedger{}
	}
	if opts.Emitter == nil {
		opts.Emitter = NopEmitter{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxParticipants <= 0 {
		opts.MaxParticipants = DefaultMaxParticipants
	}
	if opts.Policy == "" {
		opts.Policy = SettleAggregate
	}
	return &Registry{
		sessions:        make(map[string]*Session),
		ledger:          opts.Ledger,
		emitter:         opts.Emitter,
		clock:           opts.Clock,
		maxParticipants: opts.MaxParticipants,
		policy:          opts.Policy,
		allowReuse:      opts.AllowTerminalReuse,
	}
}

// CreateInput carries the metadata for a new session. Participants may be
// seeded at creation; only Identity, DisplayName, and OwedAmount are read.
type CreateInput struct {
	SessionID          string
	CreatorID          string
	Description        string
	RequiredSignatures int
	ExpiresAt          time.Time
	Participants       []Participant
}

// Create registers a new Draft session. The id must not collide with any
// known session; with AllowTerminalReuse, a terminal session's id may be
// reclaimed (the prior record is replaced). The whole input, seeded
// participants included, is validated before the session is registered: a
// rejected create leaves the registry unchanged.
func (r *Registry) Create(in CreateInput) (View, error) {
	if in.RequiredSignatures < 1 {
		return View{}, newError(CodeInvalidSignatureThreshold, "required signatures must be at least 1, got %d", in.RequiredSignatures)
	}
	roster := newRoster(r.maxParticipants)
	for _, p := range in.Participants {
		if err := roster.add(p.Identity, p.DisplayName, p.OwedAmount); err != nil {
			return View{}, err
		}
	}
	now := r.clock().UTC()

	// Events drained from a reclaimed session are emitted only after the
	// registry lock is released; a slow sink must not stall other sessions.
	var reclaimed []Event
	r.mu.Lock()
	if existing, ok := r.sessions[in.SessionID]; ok {
		reusable := false
		if r.allowReuse {
			existing.mu.Lock()
			existing.expireIfDue(now)
			reclaimed = existing.drain()
			reusable = existing.state.Terminal()
			existing.mu.Unlock()
		}
		if !reusable {
			r.mu.Unlock()
			r.emitAll(reclaimed)
			return View{}, newError(CodeDuplicateSessionID, "session id %s is already in use", in.SessionID)
		}
	}
	s := &Session{
		id:                 in.SessionID,
		creatorID:          in.CreatorID,
		description:        in.Description,
		requiredSignatures: in.RequiredSignatures,
		policy:             r.policy,
		state:              StateDraft,
		roster:             roster,
		createdAt:          now,
		expiresAt:          in.ExpiresAt,
	}
	r.sessions[in.SessionID] = s
	r.mu.Unlock()
	r.emitAll(reclaimed)

	s.mu.Lock()
	s.emit(EventSessionCreated, in.CreatorID, 0, now)
	v := s.view()
	evs := s.drain()
	s.mu.Unlock()
	r.emitAll(evs)
	return v, nil
}

// Restore loads a persisted session into the registry, replacing any
// in-memory record with the same id. Used on boot to rehydrate state.
func (r *Registry) Restore(v View) {
	s := restoreSession(v, r.maxParticipants)
	r.mu.Lock()
	r.sessions[v.SessionID] = s
	r.mu.Unlock()
}

func (r *Registry) lookup(sessionID string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, newError(CodeNotFound, "session %s not found", sessionID)
	}
	return s, nil
}

// withSession serializes one operation against one session and emits
// whatever events it produced, including a forced expiry transition when
// the triggering call itself was rejected.
func (r *Registry) withSession(sessionID string, op func(s *Session, now time.Time) error) (View, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return View{}, err
	}
	now := r.clock().UTC()
	s.mu.Lock()
	opErr := op(s, now)
	v := s.view()
	evs := s.drain()
	s.mu.Unlock()
	r.emitAll(evs)
	return v, opErr
}

func (r *Registry) emitAll(events []Event) {
	for _, ev := range events {
		r.emitter.Emit(ev)
	}
}

// AddParticipant adds a participant while the session is in Draft.
func (r *Registry) AddParticipant(sessionID, actorID, identity, displayName string, owedAmount int64) (View, error) {
	return r.withSession(sessionID, func(s *Session, now time.Time) error {
		return s.addParticipant(actorID, identity, displayName, owedAmount, now)
	})
}

// RemoveParticipant removes a participant while the session is in Draft.
func (r *Registry) RemoveParticipant(sessionID, actorID, identity string) (View, error) {
	return r.withSession(sessionID, func(s *Session, now time.Time) error {
		return s.removeParticipant(actorID, identity, now)
	})
}

// Confirm freezes the session and opens approval collection.
func (r *Registry) Confirm(sessionID, actorID string) (View, error) {
	return r.withSession(sessionID, func(s *Session, now time.Time) error {
		return s.confirm(actorID, now)
	})
}

// Cancel moves the session to Cancelled (creator only, Draft or
// AwaitingApproval).
func (r *Registry) Cancel(sessionID, actorID string) (View, error) {
	return r.withSession(sessionID, func(s *Session, now time.Time) error {
		return s.cancel(actorID, now)
	})
}

// RecordApproval records a participant's signature; reaching quorum
// transitions the session to AwaitingPayment in the same call.
func (r *Registry) RecordApproval(sessionID, identity string) (View, error) {
	return r.withSession(sessionID, func(s *Session, now time.Time) error {
		return s.recordApproval(identity, now)
	})
}

// RecordPayment credits a payment. The internal ledger update and the
// external transfer are one logical step: the session is validated first,
// then the transfer runs, and only on transfer success is any participant
// state mutated. A transfer failure surfaces as TRANSFER_FAILED with the
// session byte-for-byte unchanged.
func (r *Registry) RecordPayment(ctx context.Context, sessionID, identity string, amount int64) (View, bool, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return View{}, false, err
	}
	now := r.clock().UTC()

	s.mu.Lock()
	if err := s.validatePayment(identity, amount, now); err != nil {
		v := s.view()
		evs := s.drain()
		s.mu.Unlock()
		r.emitAll(evs)
		return v, false, err
	}
	if err := r.ledger.Transfer(ctx, identity, s.creatorID, amount); err != nil {
		v := s.view()
		s.mu.Unlock()
		return v, false, &Error{Code: CodeTransferFailed, Message: "external transfer failed", Cause: err}
	}
	overpaid := s.applyPayment(identity, amount, now)
	v := s.view()
	evs := s.drain()
	s.mu.Unlock()
	r.emitAll(evs)
	return v, overpaid, nil
}

// GetView returns a read-only snapshot. The lazy expiry check still runs:
// a due session transitions to Expired first and the snapshot reflects it.
func (r *Registry) GetView(sessionID string) (View, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return View{}, err
	}
	now := r.clock().UTC()
	s.mu.Lock()
	s.expireIfDue(now)
	v := s.view()
	evs := s.drain()
	s.mu.Unlock()
	r.emitAll(evs)
	return v, nil
}

// SessionIDs returns the ids of all known sessions, active and terminal.
func (r *Registry) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
