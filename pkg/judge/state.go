package judge

import (
	"fmt"
	"sync"
	"time"

	"github.com/exploopio/judge/pkg/bounty"
	"github.com/exploopio/judge/pkg/errors"
	"github.com/exploopio/judge/pkg/proof"
)

// State is the lifecycle state of a claim.
type State string

const (
	StateIdle               State = "idle"
	StateSubmitted          State = "submitted"
	StateVerifying          State = "verifying"
	StateVerifiedHigh       State = "verified_high"
	StateVerifiedLow        State = "verified_low"
	StateVerificationFailed State = "verification_failed"
	StateSettled            State = "settled"
	StateRejected           State = "rejected"
	StateSettlementFailed   State = "settlement_failed"
)

var transitions = map[State][]State{
	StateIdle:             {StateSubmitted},
	StateSubmitted:        {StateVerifying},
	StateVerifying:        {StateVerifiedHigh, StateVerifiedLow, StateVerificationFailed},
	StateVerifiedHigh:     {StateSettled, StateRejected, StateSettlementFailed},
	StateVerifiedLow:      {StateRejected},
	StateSettlementFailed: {StateSettled, StateRejected, StateSettlementFailed},

	// Resubmission after a retryable verification failure.
	StateVerificationFailed: {StateSubmitted},
}

// Final reports whether the claim is finished. SettlementFailed is not final:
// it can be re-driven. VerificationFailed is reopened only when the same
// claim is submitted again after a retryable failure.
func (s State) Final() bool {
	switch s {
	case StateSettled, StateRejected, StateVerificationFailed:
		return true
	}
	return false
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Transition is one entry of a claim's history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// ClaimView is a snapshot of a tracked claim.
type ClaimView struct {
	Claim          Claim           `json:"claim"`
	State          State           `json:"state"`
	ProofHash      string          `json:"proof_hash,omitempty"`
	Verification   *proof.Result   `json:"verification,omitempty"`
	Outcome        *bounty.Outcome `json:"outcome,omitempty"`
	SettleAttempts int             `json:"settle_attempts"`
	History        []Transition    `json:"history"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// tracked is the state machine of one claim.
//
// run serializes the work on a claim (verification, settlement, re-drive);
// mu guards the fields and is only held for short updates.
type tracked struct {
	run sync.Mutex

	mu   sync.Mutex
	view ClaimView
}

func newTracked(claim Claim, now time.Time) *tracked {
	return &tracked{view: ClaimView{Claim: claim, State: StateIdle, UpdatedAt: now}}
}

// advance moves the claim to next and returns the previous state.
func (t *tracked) advance(next State, reason string, now time.Time) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.view.State
	if !prev.CanTransition(next) {
		return prev, fmt.Errorf("illegal transition %s -> %s", prev, next)
	}
	t.view.State = next
	t.view.UpdatedAt = now
	t.view.History = append(t.view.History, Transition{From: prev, To: next, At: now, Reason: reason})
	return prev, nil
}

func (t *tracked) state() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.State
}

// reopenable reports whether the claim failed verification on an error
// that may clear on its own.
func (t *tracked) reopenable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.view
	return v.State == StateVerificationFailed && v.Verification != nil &&
		errors.IsRetryable(errors.E(v.Verification.Kind))
}

func (t *tracked) update(fn func(v *ClaimView)) {
	t.mu.Lock()
	fn(&t.view)
	t.mu.Unlock()
}

func (t *tracked) snapshot() *ClaimView {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := t.view
	v.History = append([]Transition(nil), t.view.History...)
	if t.view.Verification != nil {
		res := *t.view.Verification
		v.Verification = &res
	}
	if t.view.Outcome != nil {
		out := *t.view.Outcome
		v.Outcome = &out
	}
	return &v
}
