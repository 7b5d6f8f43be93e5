package reporting

import (
	"context"
	"errors"
	"time"

	"papercup-core/internal/billing"
	"papercup-core/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting. Implementations query
// immutable sources: call records and the credit ledger.
type Repository interface {
	ListCalls(ctx context.Context, userID string, from, to time.Time) ([]calls.Call, error)
	ListLedger(ctx context.Context, userID string, from, to time.Time) ([]billing.CreditTransaction, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if err := validateRange(req.UserID, req.Range); err != nil {
		return CallsSummary{}, err
	}

	rows, err := s.repo.ListCalls(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{UserID: req.UserID}
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		out.TotalCostMinor += c.CostMinor
		switch c.State {
		case calls.StateCompleted:
			out.CompletedCalls++
		case calls.StateDropped:
			out.DroppedCalls++
		case calls.StateFailed:
			out.FailedCalls++
		case calls.StateTerminated:
			out.TerminatedCalls++
		default:
			out.InFlightCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
	}
	return out, nil
}

func (s *Service) SpendSummary(ctx context.Context, req SpendSummaryRequest) (SpendSummary, error) {
	if err := validateRange(req.UserID, req.Range); err != nil {
		return SpendSummary{}, err
	}

	entries, err := s.repo.ListLedger(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return SpendSummary{}, err
	}

	out := SpendSummary{UserID: req.UserID}
	for _, e := range entries {
		out.Entries++
		if e.AmountMinor > 0 {
			out.TotalCreditMinor += e.AmountMinor
		} else {
			out.TotalDebitMinor += -e.AmountMinor
		}
		if e.Type == billing.TransactionTypeCallCharge {
			out.CallChargeMinor += -e.AmountMinor
		}
	}
	out.NetDeltaMinor = out.TotalCreditMinor - out.TotalDebitMinor
	return out, nil
}

func validateRange(userID string, r TimeRange) error {
	if userID == "" {
		return ErrInvalidRequest
	}
	if r.From.IsZero() || r.To.IsZero() || !r.To.After(r.From) {
		return ErrInvalidRequest
	}
	return nil
}
