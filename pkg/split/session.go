package split

import (
	"sync"
	"time"
)

// State is the lifecycle state of a bill session.
type State string

const (
	StateDraft            State = "DRAFT"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateAwaitingPayment  State = "AWAITING_PAYMENT"
	StateSettled          State = "SETTLED"
	StateCancelled        State = "CANCELLED"
	StateExpired          State = "EXPIRED"
)

// Terminal reports whether no further mutation is permitted.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateCancelled || s == StateExpired
}

// SettlementPolicy decides when collected payments settle the session.
type SettlementPolicy string

const (
	// SettleAggregate settles the instant the aggregate collected amount
	// reaches the session total, even if individual participants are
	// unevenly paid up.
	SettleAggregate SettlementPolicy = "AGGREGATE"
	// SettleExact requires every participant to cover their own owed
	// amount before the session settles.
	SettleExact SettlementPolicy = "EXACT"
)

// Session is the aggregate root for one bill split. All access is
// serialized through its mutex; callers go through the Registry, which is
// the only component handed a mutable session.
type Session struct {
	mu sync.Mutex

	id          string
	creatorID   string
	description string

	requiredSignatures int
	totalAmount        int64 // frozen at confirmation
	policy             SettlementPolicy

	// Cached counters. Must equal the roster recomputation at all times;
	// Recompute in tests asserts this.
	approvalsCount int
	paymentsTotal  int64

	state     State
	roster    *roster
	createdAt time.Time
	expiresAt time.Time

	// Events produced by the last operation, drained by the registry
	// after the operation completes (success or failure: a forced expiry
	// transition is emitted even when the triggering call is rejected).
	pending []Event
}

// View is the read model exposed to external viewers and the shape
// persisted per session. Everything in it is derivable; nothing is
// independently mutable from outside.
type View struct {
	SessionID          string           `json:"session_id"`
	CreatorID          string           `json:"creator_id"`
	Description        string           `json:"description"`
	State              State            `json:"state"`
	TotalAmount        int64            `json:"total_amount"`
	AggregatePaid      int64            `json:"aggregate_paid"`
	ApprovalsCount     int              `json:"approvals_count"`
	RequiredSignatures int              `json:"required_signatures"`
	SettlementPolicy   SettlementPolicy `json:"settlement_policy"`
	Participants       []Participant    `json:"participants"`
	CreatedAt          time.Time        `json:"created_at"`
	ExpiresAt          time.Time        `json:"expires_at"`
}

func (s *Session) emit(t EventType, identity string, amount int64, now time.Time) {
	s.pending = append(s.pending, Event{
		SessionID:  s.id,
		Type:       t,
		State:      s.state,
		Identity:   identity,
		Amount:     amount,
		OccurredAt: now,
	})
}

func (s *Session) drain() []Event {
	evs := s.pending
	s.pending = nil
	return evs
}

// expireIfDue performs the lazy expiry check every operation runs first.
// It reports whether the session is (now) expired.
func (s *Session) expireIfDue(now time.Time) bool {
	if s.state == StateExpired {
		return true
	}
	if s.state.Terminal() {
		return false
	}
	if s.expiresAt.IsZero() || now.Before(s.expiresAt) {
		return false
	}
	s.state = StateExpired
	s.emit(EventSessionExpired, "", 0, now)
	return true
}

func (s *Session) requireCreator(actorID string) error {
	if actorID != s.creatorID {
		return newError(CodeNotCreator, "only the session creator may perform this operation")
	}
	return nil
}

func (s *Session) addParticipant(actorID, identity, displayName string, owedAmount int64, now time.Time) error {
	if s.expireIfDue(now) {
		return newError(CodeSessionExpired, "session %s has expired", s.id)
	}
	if err := s.requireCreator(actorID); err != nil {
		return err
	}
	if s.state != StateDraft {
		return newError(CodeSessionLocked, "participant set is frozen once the session leaves draft")
	}
	return s.roster.add(identity, displayName, owedAmount)
}

func (s *Session) removeParticipant(actorID, identity string, now time.Time) error {
	if s.expireIfDue(now) {
		return newError(CodeSessionExpired, "session %s has expired", s.id)
	}
	if err := s.requireCreator(actorID); err != nil {
		return err
	}
	if s.state != StateDraft {
		return newError(CodeSessionLocked, "participant set is frozen once the session leaves draft")
	}
	return s.roster.remove(identity)
}

// confirm freezes the participant set and total and opens approval
// collection. A second confirm is a hard ALREADY_CONFIRMED error.
func (s *Session) confirm(actorID string, now time.Time) error {
	if s.expireIfDue(now) {
		return newError(CodeSessionExpired, "session %s has expired", s.id)
	}
	if err := s.requireCreator(actorID); err != nil {
		return err
	}
	if s.state != StateDraft {
		return newError(CodeAlreadyConfirmed, "session %s is already confirmed", s.id)
	}
	if s.roster.size() < 2 {
		return newError(CodeInsufficientParticipants, "a bill split needs at least 2 participants, got %d", s.roster.size())
	}
	if s.requiredSignatures < 1 || s.requiredSignatures > s.roster.size() {
		return newError(CodeInvalidSignatureThreshold, "required signatures %d not in [1, %d]", s.requiredSignatures, s.roster.size())
	}
	s.totalAmount = s.roster.totalOwed()
	s.state = StateAwaitingApproval
	s.emit(EventSessionConfirmed, "", s.totalAmount, now)
	return nil
}

// cancel moves the session to Cancelled. Cancelling an already-cancelled
// session is a no-op success; the transition cannot be re-triggered.
func (s *Session) cancel(actorID string, now time.Time) error {
	if s.expireIfDue(now) {
		return newError(CodeSessionExpired, "session %s has expired", s.id)
	}
	if err := s.requireCreator(actorID); err != nil {
		return err
	}
	switch s.state {
	case StateCancelled:
		return nil
	case StateDraft, StateAwaitingApproval:
		s.state = StateCancelled
		s.emit(EventSessionCancelled, "", 0, now)
		return nil
	default:
		return newError(CodeWrongState, "session %s cannot be cancelled in state %s", s.id, s.state)
	}
}

// recordApproval records one participant's signature. Crossing the
// threshold transitions to AwaitingPayment as a side effect.
func (s *Session) recordApproval(identity string, now time.Time) error {
	if s.expireIfDue(now) {
		return newError(CodeSessionExpired, "session %s has expired", s.id)
	}
	if s.state != StateAwaitingApproval {
		return newError(CodeWrongState, "approvals are only accepted in %s, session is %s", StateAwaitingApproval, s.state)
	}
	p, ok := s.roster.get(identity)
	if !ok {
		return newError(CodeNotAParticipant, "%s is not a participant of session %s", identity, s.id)
	}
	if p.HasApproved {
		// Duplicate signing attempts are surfaced, not absorbed.
		return newError(CodeAlreadyApproved, "%s has already approved session %s", identity, s.id)
	}
	p.HasApproved = true
	s.approvalsCount++
	s.emit(EventParticipantApproved, identity, 0, now)
	if s.quorumReached() {
		s.state = StateAwaitingPayment
		s.emit(EventQuorumReached, "", 0, now)
	}
	return nil
}

// quorumReached is monotonic: approvals are never revoked, so once true it
// stays true for the life of the session.
func (s *Session) quorumReached() bool {
	return s.approvalsCount >= s.requiredSignatures
}

// validatePayment runs every check for recordPayment without mutating.
// The registry calls it before the external transfer so that a transfer
// failure leaves the session untouched.
func (s *Session) validatePayment(identity string, amount int64, now time.Time) error {
	if s.expireIfDue(now) {
		return newError(CodeSessionExpired, "session %s has expired", s.id)
	}
	if s.state != StateAwaitingPayment {
		return newError(CodeWrongState, "payments are only accepted in %s, session is %s", StateAwaitingPayment, s.state)
	}
	if amount <= 0 {
		return newError(CodeInvalidAmount, "payment amount must be positive, got %d", amount)
	}
	if _, ok := s.roster.get(identity); !ok {
		return newError(CodeNotAParticipant, "%s is not a participant of session %s", identity, s.id)
	}
	return nil
}

// applyPayment credits a validated payment. Payments accumulate per
// participant; overpayment is accepted and reported to the caller, never
// rejected (excess handling belongs to the external ledger). Hitting the
// settlement target transitions to Settled as a side effect.
func (s *Session) applyPayment(identity string, amount int64, now time.Time) (overpaid bool) {
	p, _ := s.roster.get(identity)
	p.PaidAmount += amount
	s.paymentsTotal += amount
	overpaid = p.PaidAmount > p.OwedAmount
	s.emit(EventPaymentRecorded, identity, amount, now)
	if s.settlementDue() {
		s.state = StateSettled
		s.emit(EventSessionSettled, "", s.paymentsTotal, now)
	}
	return overpaid
}

func (s *Session) settlementDue() bool {
	switch s.policy {
	case SettleExact:
		for _, p := range s.roster.snapshot() {
			if p.PaidAmount < p.OwedAmount {
				return false
			}
		}
		return true
	default:
		return s.paymentsTotal >= s.totalAmount
	}
}

func (s *Session) view() View {
	return View{
		SessionID:          s.id,
		CreatorID:          s.creatorID,
		Description:        s.description,
		State:              s.state,
		TotalAmount:        s.totalAmount,
		AggregatePaid:      s.roster.aggregatePaid(),
		ApprovalsCount:     s.approvalsCount,
		RequiredSignatures: s.requiredSignatures,
		SettlementPolicy:   s.policy,
		Participants:       s.roster.snapshot(),
		CreatedAt:          s.createdAt,
		ExpiresAt:          s.expiresAt,
	}
}

// Recompute re-derives the cached counters from the roster. The cached
// values must always match; tests assert this after every mutation.
func (s *Session) Recompute() (approvals int, paid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster.approvalsCount(), s.roster.aggregatePaid()
}

// restoreSession rebuilds a session from a persisted view.
func restoreSession(v View, maxParticipants int) *Session {
	policy := v.SettlementPolicy
	if policy == "" {
		policy = SettleAggregate
	}
	s := &Session{
		id:                 v.SessionID,
		creatorID:          v.CreatorID,
		description:        v.Description,
		requiredSignatures: v.RequiredSignatures,
		totalAmount:        v.TotalAmount,
		policy:             policy,
		state:              v.State,
		roster:             restoreRoster(v.Participants, maxParticipants),
		createdAt:          v.CreatedAt,
		expiresAt:          v.ExpiresAt,
	}
	s.approvalsCount = s.roster.approvalsCount()
	s.paymentsTotal = s.roster.aggregatePaid()
	return s
}
