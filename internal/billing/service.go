package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"papercup-core/internal/calls"
	"papercup-core/internal/rates"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("billing: not found")
	ErrInsufficientFunds = errors.New("billing: insufficient funds")
	ErrInvalidArgument   = errors.New("billing: invalid argument")
)

// RateFinder resolves a per-minute rate for a destination. Satisfied by
// *rates.Service.
type RateFinder interface {
	FindRate(ctx context.Context, number, countryISO2 string) (rates.Rate, bool, error)
}

// Service is the billing reconciler.
//
// Money invariants:
// - No balance update without a ledger entry, ever.
// - Duration write, cost computation, debit, ledger append and the terminal
//   state transition are one atomic unit.
// - Reconciliation is idempotent per call: the terminal-state guard turns a
//   redelivered completion event into a no-op.
type Service struct {
	store Store
	rates RateFinder

	// defaultRateMinor applies when no rate matches the destination.
	defaultRateMinor int64

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(store Store, rateFinder RateFinder, defaultRateMinor int64) *Service {
	return &Service{
		store:            store,
		rates:            rateFinder,
		defaultRateMinor: defaultRateMinor,
		clock:            time.Now,
	}
}

// SettlementResult reports what reconciliation did.
type SettlementResult struct {
	Call calls.Call `json:"call"`

	Charged   bool  `json:"charged"`
	CostMinor int64 `json:"cost_minor"`

	// BalanceMinor is the post-charge balance; only meaningful when Charged.
	BalanceMinor int64 `json:"balance_minor,omitempty"`

	// AlreadySettled is true when the call was terminal before this attempt
	// (redelivered completion event).
	AlreadySettled bool `json:"already_settled,omitempty"`
}

// Complete settles a finished call: records the final duration, computes the
// cost, debits the balance, writes the ledger entry and transitions the call
// to completed — all in one storage transaction.
func (s *Service) Complete(ctx context.Context, callID string, finalDurationSeconds int, occurredAt time.Time) (SettlementResult, error) {
	return s.settle(ctx, callID, finalDurationSeconds, occurredAt, calls.StateCompleted, "")
}

// SettleDropped bills a mid-call disconnection through the same duration
// path as a completion; the call lands in dropped instead of completed.
func (s *Service) SettleDropped(ctx context.Context, callID string, elapsedSeconds int, occurredAt time.Time) (SettlementResult, error) {
	return s.settle(ctx, callID, elapsedSeconds, occurredAt, calls.StateDropped, "dropped")
}

// Settle lands a call in any terminal state through the billing path. Used
// by the async worker so every terminal landing (completed, dropped, failed,
// terminated) records duration and bills elapsed usage under one contract.
func (s *Service) Settle(ctx context.Context, callID string, durationSeconds int, occurredAt time.Time, target calls.State, reason string) (SettlementResult, error) {
	if !target.Terminal() {
		return SettlementResult{}, fmt.Errorf("%w: settlement target must be terminal, got %q", ErrInvalidArgument, target)
	}
	return s.settle(ctx, callID, durationSeconds, occurredAt, target, reason)
}

func (s *Service) settle(ctx context.Context, callID string, durationSeconds int, occurredAt time.Time, target calls.State, reason string) (SettlementResult, error) {
	if callID == "" {
		return SettlementResult{}, fmt.Errorf("%w: call_id required", ErrInvalidArgument)
	}
	if durationSeconds < 0 {
		return SettlementResult{}, fmt.Errorf("%w: duration must be >= 0", ErrInvalidArgument)
	}
	if occurredAt.IsZero() {
		occurredAt = s.clock().UTC()
	}
	now := s.clock().UTC()

	var out SettlementResult
	insufficient := false

	err := s.store.WithCall(ctx, callID, func(ctx context.Context, tx CallTx) error {
		c, err := tx.Call(ctx)
		if err != nil {
			return err
		}

		// Absorbing terminal guard: at-least-once delivery of completion
		// events must not double-bill. The repeat stays auditable.
		if c.State.Terminal() {
			out = SettlementResult{Call: c, AlreadySettled: true}
			rej := calls.RejectionEvent(c, target, occurredAt, "already settled")
			rej.ID = uuid.NewString()
			rej.CreatedAt = now
			return tx.AppendEvent(ctx, rej)
		}

		c.DurationSeconds = durationSeconds

		minutes := BillableMinutes(durationSeconds)
		var cost int64
		if minutes > 0 {
			rpm := s.defaultRateMinor
			if r, found, err := s.rates.FindRate(ctx, c.ToNumber, c.CountryISO2); err != nil {
				return err
			} else if found {
				rpm = r.RatePerMinuteMinor
			}
			cost = int64(minutes) * rpm
		}

		if cost > 0 {
			bal, err := tx.Balance(ctx)
			if err != nil {
				return err
			}
			if bal < cost {
				// Mark the call failed in this same unit; the ledger and
				// balance stay untouched.
				insufficient = true
				ev, err := calls.Apply(&c, calls.StateFailed, occurredAt)
				if err != nil {
					return err
				}
				c.FailureReason = "insufficient_balance"
				ev.ID = uuid.NewString()
				ev.CreatedAt = now
				meta, _ := json.Marshal(map[string]int64{"required_minor": cost, "balance_minor": bal})
				ev.Metadata = string(meta)
				if err := tx.SaveCall(ctx, c); err != nil {
					return err
				}
				if err := tx.AppendEvent(ctx, ev); err != nil {
					return err
				}
				out = SettlementResult{Call: c, CostMinor: cost}
				return nil
			}

			meta, _ := json.Marshal(map[string]int{"minutes": minutes, "duration_seconds": durationSeconds})
			newBal, err := tx.Append(ctx, CreditTransaction{
				ID:             uuid.NewString(),
				UserID:         c.UserID,
				AmountMinor:    -cost,
				Type:           TransactionTypeCallCharge,
				CallID:         c.CallID,
				IdempotencyKey: "call_charge:" + c.CallID,
				Metadata:       string(meta),
				CreatedAt:      now,
			})
			if err != nil {
				return err
			}
			out.BalanceMinor = newBal
		}

		c.CostMinor = cost
		ev, err := calls.Apply(&c, target, occurredAt)
		if err != nil {
			return err
		}
		if reason != "" {
			c.FailureReason = reason
		}
		ev.ID = uuid.NewString()
		ev.CreatedAt = now
		meta, _ := json.Marshal(map[string]int64{"cost_minor": cost, "duration_seconds": int64(durationSeconds)})
		ev.Metadata = string(meta)

		if err := tx.SaveCall(ctx, c); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}

		out.Call = c
		out.Charged = cost > 0
		out.CostMinor = cost
		return nil
	})
	if err != nil {
		return SettlementResult{}, err
	}
	if insufficient {
		return out, ErrInsufficientFunds
	}
	return out, nil
}

// DepositRequest describes a credit purchase or refund.
type DepositRequest struct {
	AmountMinor    int64           `json:"amount_minor"`
	Type           TransactionType `json:"type"` // deposit or refund
	ExternalRef    string          `json:"external_ref,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       string          `json:"metadata,omitempty"`
}

// AddCredits increments the balance and appends the ledger entry under the
// same per-user lock discipline as debits. Idempotent by key: a retried
// deposit returns the original entry.
func (s *Service) AddCredits(ctx context.Context, userID string, req DepositRequest) (CreditTransaction, int64, error) {
	if req.Type == "" {
		req.Type = TransactionTypeDeposit
	}
	if req.Type != TransactionTypeDeposit && req.Type != TransactionTypeRefund {
		return CreditTransaction{}, 0, fmt.Errorf("%w: type must be deposit or refund", ErrInvalidArgument)
	}
	if err := validatePostReq(userID, req.AmountMinor, req.IdempotencyKey); err != nil {
		return CreditTransaction{}, 0, err
	}

	now := s.clock().UTC()
	entry := CreditTransaction{
		ID:             uuid.NewString(),
		UserID:         userID,
		AmountMinor:    req.AmountMinor,
		Type:           req.Type,
		ExternalRef:    req.ExternalRef,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}

	var outEntry CreditTransaction
	var outBal int64
	err := s.store.WithUser(ctx, userID, func(ctx context.Context, tx UserTx) error {
		if existing, ok, err := tx.FindByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
			return err
		} else if ok {
			outEntry = existing
			bal, err := tx.Balance(ctx)
			if err != nil {
				return err
			}
			outBal = bal
			return nil
		}
		bal, err := tx.Append(ctx, entry)
		if err != nil {
			return err
		}
		outEntry = entry
		outBal = bal
		return nil
	})
	return outEntry, outBal, err
}

// Withdraw debits the balance outside the call path (e.g., payout or manual
// adjustment). Fails with ErrInsufficientFunds rather than overdrawing.
func (s *Service) Withdraw(ctx context.Context, userID string, amountMinor int64, externalRef, idempotencyKey string) (CreditTransaction, int64, error) {
	if err := validatePostReq(userID, amountMinor, idempotencyKey); err != nil {
		return CreditTransaction{}, 0, err
	}

	now := s.clock().UTC()
	entry := CreditTransaction{
		ID:             uuid.NewString(),
		UserID:         userID,
		AmountMinor:    -amountMinor,
		Type:           TransactionTypeWithdrawal,
		ExternalRef:    externalRef,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}

	var outEntry CreditTransaction
	var outBal int64
	err := s.store.WithUser(ctx, userID, func(ctx context.Context, tx UserTx) error {
		if existing, ok, err := tx.FindByIdempotencyKey(ctx, idempotencyKey); err != nil {
			return err
		} else if ok {
			outEntry = existing
			bal, err := tx.Balance(ctx)
			if err != nil {
				return err
			}
			outBal = bal
			return nil
		}
		bal, err := tx.Balance(ctx)
		if err != nil {
			return err
		}
		if bal < amountMinor {
			return ErrInsufficientFunds
		}
		newBal, err := tx.Append(ctx, entry)
		if err != nil {
			return err
		}
		outEntry = entry
		outBal = newBal
		return nil
	})
	return outEntry, outBal, err
}

func (s *Service) Balance(ctx context.Context, userID string) (Balance, error) {
	if userID == "" {
		return Balance{}, fmt.Errorf("%w: user_id required", ErrInvalidArgument)
	}
	return s.store.BalanceOf(ctx, userID)
}

func (s *Service) Transactions(ctx context.Context, userID string) ([]CreditTransaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id required", ErrInvalidArgument)
	}
	return s.store.Transactions(ctx, userID)
}

func validatePostReq(userID string, amountMinor int64, idempotencyKey string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id required", ErrInvalidArgument)
	}
	if amountMinor <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidArgument)
	}
	if idempotencyKey == "" {
		return fmt.Errorf("%w: idempotency_key required", ErrInvalidArgument)
	}
	return nil
}

// BillableMinutes rounds a duration up to started minutes. Zero duration
// bills zero minutes: an explicit short-circuit, not a minimum charge.
func BillableMinutes(durationSeconds int) int {
	if durationSeconds <= 0 {
		return 0
	}
	m := durationSeconds / 60
	if durationSeconds%60 != 0 {
		m++
	}
	return m
}
