package split

// Participant is one member of a bill session. Identity is an opaque
// account identifier owned by the external ledger platform; the core only
// compares it for equality.
type Participant struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name"`
	OwedAmount  int64  `json:"owed_amount"`
	HasApproved bool   `json:"has_approved"`
	PaidAmount  int64  `json:"paid_amount"`
}

// roster tracks the participant set for a single session. Insertion order
// is preserved for display; lookups go through the index. The roster does
// not know about session state: the owning session gates add/remove once
// it leaves Draft.
type roster struct {
	ordered []*Participant
	index   map[string]*Participant
	maxSize int
}

func newRoster(maxSize int) *roster {
	return &roster{
		index:   make(map[string]*Participant),
		maxSize: maxSize,
	}
}

func (ro *roster) add(identity, displayName string, owedAmount int64) error {
	if owedAmount <= 0 {
		return newError(CodeInvalidAmount, "owed amount must be positive, got %d", owedAmount)
	}
	if _, exists := ro.index[identity]; exists {
		return newError(CodeDuplicateParticipant, "participant %s already added", identity)
	}
	if ro.maxSize > 0 && len(ro.ordered) >= ro.maxSize {
		return newError(CodeCapacityExceeded, "participant limit %d reached", ro.maxSize)
	}
	p := &Participant{Identity: identity, DisplayName: displayName, OwedAmount: owedAmount}
	ro.ordered = append(ro.ordered, p)
	ro.index[identity] = p
	return nil
}

func (ro *roster) remove(identity string) error {
	if _, exists := ro.index[identity]; !exists {
		return newError(CodeNotFound, "participant %s not found", identity)
	}
	delete(ro.index, identity)
	for i, p := range ro.ordered {
		if p.Identity == identity {
			ro.ordered = append(ro.ordered[:i], ro.ordered[i+1:]...)
			break
		}
	}
	return nil
}

func (ro *roster) get(identity string) (*Participant, bool) {
	p, ok := ro.index[identity]
	return p, ok
}

func (ro *roster) size() int { return len(ro.ordered) }

// totalOwed is recomputed on every call rather than cached, so the roster
// can never drift from its own sum.
func (ro *roster) totalOwed() int64 {
	var total int64
	for _, p := range ro.ordered {
		total += p.OwedAmount
	}
	return total
}

func (ro *roster) approvalsCount() int {
	n := 0
	for _, p := range ro.ordered {
		if p.HasApproved {
			n++
		}
	}
	return n
}

func (ro *roster) aggregatePaid() int64 {
	var total int64
	for _, p := range ro.ordered {
		total += p.PaidAmount
	}
	return total
}

// snapshot returns value copies in insertion order.
func (ro *roster) snapshot() []Participant {
	out := make([]Participant, 0, len(ro.ordered))
	for _, p := range ro.ordered {
		out = append(out, *p)
	}
	return out
}

// restore rebuilds a roster from persisted participants, keeping order.
func restoreRoster(participants []Participant, maxSize int) *roster {
	ro := newRoster(maxSize)
	for i := range participants {
		p := participants[i]
		ro.ordered = append(ro.ordered, &p)
		ro.index[p.Identity] = &p
	}
	return ro
}
