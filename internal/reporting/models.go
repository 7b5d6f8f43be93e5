package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics for one user.

type CallsSummaryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type CallsSummary struct {
	UserID string `json:"user_id"`

	TotalCalls      int `json:"total_calls"`
	CompletedCalls  int `json:"completed_calls"`
	DroppedCalls    int `json:"dropped_calls"`
	FailedCalls     int `json:"failed_calls"`
	TerminatedCalls int `json:"terminated_calls"`
	InFlightCalls   int `json:"in_flight_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	TotalCostMinor int64 `json:"total_cost_minor"`
}

// SpendSummaryRequest requests aggregated money movement for one user.
// Spend is derived from immutable credit ledger entries.

type SpendSummaryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type SpendSummary struct {
	UserID string `json:"user_id"`

	TotalCreditMinor int64 `json:"total_credit_minor"`
	TotalDebitMinor  int64 `json:"total_debit_minor"`
	NetDeltaMinor    int64 `json:"net_delta_minor"`

	// CallChargeMinor is the portion of debits spent on calls.
	CallChargeMinor int64 `json:"call_charge_minor"`

	Entries int `json:"entries"`
}
