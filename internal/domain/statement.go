package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatementStatus is the lifecycle of a statement row. A row starts as a
// mutable draft accumulating the user's current period; period close freezes
// it to open, after which only the billing flow moves it forward. Frozen
// rows never change their monetary fields.
type StatementStatus string

const (
	StatementDraft   StatementStatus = "draft"
	StatementOpen    StatementStatus = "open"
	StatementClosed  StatementStatus = "closed"
	StatementPaid    StatementStatus = "paid"
	StatementOverdue StatementStatus = "overdue"
)

// Statement is one user's accumulation for one billing period. While status
// is draft, totals are incremented per posted event under optimistic
// concurrency (Version). Total = Subtotal + Fees - Credits.
type Statement struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	Timezone    string          `json:"timezone"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Fees        decimal.Decimal `json:"fees"`
	Credits     decimal.Decimal `json:"credits"`
	Total       decimal.Decimal `json:"total"`
	Status      StatementStatus `json:"status"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Items       []StatementItem `json:"items,omitempty"`
}

// StatementItem is one line on a statement, referencing the toll event by id
// only. LateArrival marks events whose own period was already frozen when
// they were persisted.
type StatementItem struct {
	TollEventID string          `json:"toll_event_id"`
	Amount      decimal.Decimal `json:"amount"`
	Fees        decimal.Decimal `json:"fees"`
	LateArrival bool            `json:"late_arrival,omitempty"`
}

// GenerateRequest is the value published on statements.generate when a
// period-close sweep decides a draft is due.
type GenerateRequest struct {
	UserID      string    `json:"user_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}
