// Package storetest provides an in-memory store.Querier and store.TxRunner
// for stage tests. It mirrors the repository's observable semantics — unique
// constraints, optimistic version checks, the draft status guard — without a
// database. It is not transactional: InTx runs the function against the
// shared state directly, which is enough for single-consumer stage tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/store"
)

// Fake is the in-memory store. The zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	Events     map[string]domain.TollEvent // by event id
	eventByExt map[string]string           // agency|external -> event id

	Statements map[string]domain.Statement           // by statement id
	stmtByKey  map[string]string                     // user|periodStart -> statement id
	Items      map[string][]domain.StatementItem     // by statement id
	itemIndex  map[string]string                     // toll event id -> statement id

	Vehicles  []domain.Vehicle
	Timezones map[string]string // user id -> IANA name

	Cursors map[string]string

	Reviews      map[int64]store.ManualReview
	nextReviewID int64

	Rates []domain.RateConfig

	// AddToStatementConflicts makes the next N AddToStatement calls miss
	// their version check, for contention tests.
	AddToStatementConflicts int

	// InsertStatementErr fails InsertStatement calls with this error until
	// cleared, for database-failure tests.
	InsertStatementErr error
}

func New() *Fake {
	return &Fake{
		Events:     map[string]domain.TollEvent{},
		eventByExt: map[string]string{},
		Statements: map[string]domain.Statement{},
		stmtByKey:  map[string]string{},
		Items:      map[string][]domain.StatementItem{},
		itemIndex:  map[string]string{},
		Timezones:  map[string]string{},
		Cursors:    map[string]string{},
		Reviews:    map[int64]store.ManualReview{},
	}
}

var (
	_ store.Querier  = (*Fake)(nil)
	_ store.TxRunner = (*Fake)(nil)
)

// InTx runs fn against the fake, restoring the pre-call state when fn
// errors so retry loops observe rollback semantics.
func (f *Fake) InTx(ctx context.Context, fn func(q store.Querier) error) error {
	snap := f.snapshot()
	if err := fn(f); err != nil {
		f.restore(snap)
		return err
	}
	return nil
}

type fakeSnapshot struct {
	events     map[string]domain.TollEvent
	eventByExt map[string]string
	statements map[string]domain.Statement
	stmtByKey  map[string]string
	items      map[string][]domain.StatementItem
	itemIndex  map[string]string
	cursors    map[string]string
	reviews    map[int64]store.ManualReview
	nextReview int64
}

func (f *Fake) snapshot() fakeSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make(map[string][]domain.StatementItem, len(f.Items))
	for k, v := range f.Items {
		items[k] = append([]domain.StatementItem(nil), v...)
	}
	return fakeSnapshot{
		events:     copyMap(f.Events),
		eventByExt: copyMap(f.eventByExt),
		statements: copyMap(f.Statements),
		stmtByKey:  copyMap(f.stmtByKey),
		items:      items,
		itemIndex:  copyMap(f.itemIndex),
		cursors:    copyMap(f.Cursors),
		reviews:    copyMap(f.Reviews),
		nextReview: f.nextReviewID,
	}
}

func (f *Fake) restore(s fakeSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Events = s.events
	f.eventByExt = s.eventByExt
	f.Statements = s.statements
	f.stmtByKey = s.stmtByKey
	f.Items = s.items
	f.itemIndex = s.itemIndex
	f.Cursors = s.cursors
	f.Reviews = s.reviews
	f.nextReviewID = s.nextReview
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StatementByID snapshots one statement under the lock, for assertions that
// run while consumer goroutines are still writing.
func (f *Fake) StatementByID(id string) (domain.Statement, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.Statements[id]
	return st, ok
}

// SetStatementStatus force-sets a statement's status, for seeding frozen
// fixtures.
func (f *Fake) SetStatementStatus(id string, status domain.StatementStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.Statements[id]
	st.Status = status
	f.Statements[id] = st
}

func extKey(agencyID, externalID string) string { return agencyID + "|" + externalID }

func stmtKey(userID string, periodStart time.Time) string {
	return userID + "|" + periodStart.UTC().Format(time.RFC3339)
}

// ── toll events ───────────────────────────────────────────────────────────

func (f *Fake) InsertTollEvent(_ context.Context, ev domain.TollEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := extKey(ev.AgencyID, ev.ExternalEventID)
	if _, dup := f.eventByExt[k]; dup {
		return false, nil
	}
	now := time.Now().UTC()
	ev.CreatedAt, ev.UpdatedAt = now, now
	f.Events[ev.ID] = ev
	f.eventByExt[k] = ev.ID
	return true, nil
}

func (f *Fake) GetTollEvent(_ context.Context, id string) (domain.TollEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.Events[id]
	if !ok {
		return domain.TollEvent{}, store.ErrNotFound
	}
	return ev, nil
}

func (f *Fake) UpdateTollEventStatus(_ context.Context, id string, status domain.EventStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.Events[id]
	if !ok {
		return store.ErrNotFound
	}
	ev.Status = status
	ev.UpdatedAt = time.Now().UTC()
	f.Events[id] = ev
	return nil
}

// ── statements ────────────────────────────────────────────────────────────

func (f *Fake) GetStatement(_ context.Context, userID string, periodStart time.Time) (domain.Statement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.stmtByKey[stmtKey(userID, periodStart)]
	if !ok {
		return domain.Statement{}, store.ErrNotFound
	}
	return f.Statements[id], nil
}

func (f *Fake) InsertStatement(_ context.Context, st domain.Statement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InsertStatementErr != nil {
		return f.InsertStatementErr
	}
	k := stmtKey(st.UserID, st.PeriodStart)
	if _, dup := f.stmtByKey[k]; dup {
		return fmt.Errorf("insert statement %s: %w", k, &pgconn.PgError{
			Code:           "23505",
			Message:        "duplicate key value violates unique constraint",
			ConstraintName: "statements_user_id_period_start_key",
		})
	}
	now := time.Now().UTC()
	st.CreatedAt, st.UpdatedAt = now, now
	f.Statements[st.ID] = st
	f.stmtByKey[k] = st.ID
	return nil
}

func (f *Fake) AddToStatement(_ context.Context, id string, amount, fees decimal.Decimal, version int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AddToStatementConflicts > 0 {
		f.AddToStatementConflicts--
		return false, nil
	}
	st, ok := f.Statements[id]
	if !ok || st.Version != version || st.Status != domain.StatementDraft {
		return false, nil
	}
	st.Subtotal = st.Subtotal.Add(amount)
	st.Fees = st.Fees.Add(fees)
	st.Total = st.Subtotal.Add(st.Fees).Sub(st.Credits)
	st.Version++
	st.UpdatedAt = time.Now().UTC()
	f.Statements[id] = st
	return true, nil
}

func (f *Fake) AddCredit(_ context.Context, id string, credit decimal.Decimal, version int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.Statements[id]
	if !ok || st.Version != version || st.Status != domain.StatementDraft {
		return false, nil
	}
	st.Credits = st.Credits.Add(credit)
	st.Total = st.Subtotal.Add(st.Fees).Sub(st.Credits)
	st.Version++
	st.UpdatedAt = time.Now().UTC()
	f.Statements[id] = st
	return true, nil
}

func (f *Fake) FreezeStatement(_ context.Context, id string, subtotal, fees, credits, total decimal.Decimal, version int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.Statements[id]
	if !ok || st.Version != version || st.Status != domain.StatementDraft {
		return false, nil
	}
	st.Subtotal, st.Fees, st.Credits, st.Total = subtotal, fees, credits, total
	st.Status = domain.StatementOpen
	st.Version++
	st.UpdatedAt = time.Now().UTC()
	f.Statements[id] = st
	return true, nil
}

func (f *Fake) ListDueDrafts(_ context.Context, closeBefore time.Time) ([]domain.Statement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Statement
	for _, st := range f.Statements {
		if st.Status == domain.StatementDraft && !st.PeriodEnd.After(closeBefore) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) InsertStatementItem(_ context.Context, statementID string, item domain.StatementItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.Items[statementID] {
		if existing.TollEventID == item.TollEventID {
			return nil
		}
	}
	f.Items[statementID] = append(f.Items[statementID], item)
	f.itemIndex[item.TollEventID] = statementID
	return nil
}

func (f *Fake) ListStatementItems(_ context.Context, statementID string) ([]domain.StatementItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := append([]domain.StatementItem(nil), f.Items[statementID]...)
	sort.Slice(items, func(i, j int) bool {
		ti := f.Events[items[i].TollEventID].EventTimestamp
		tj := f.Events[items[j].TollEventID].EventTimestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return items[i].TollEventID < items[j].TollEventID
	})
	return items, nil
}

func (f *Fake) FindItemStatement(_ context.Context, tollEventID string) (domain.Statement, domain.StatementItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stID, ok := f.itemIndex[tollEventID]
	if !ok {
		return domain.Statement{}, domain.StatementItem{}, store.ErrNotFound
	}
	for _, item := range f.Items[stID] {
		if item.TollEventID == tollEventID {
			return f.Statements[stID], item, nil
		}
	}
	return domain.Statement{}, domain.StatementItem{}, store.ErrNotFound
}

// ── identity read models ──────────────────────────────────────────────────

func (f *Fake) FindActiveVehicles(_ context.Context, plate, plateState string) ([]domain.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Vehicle
	for _, v := range f.Vehicles {
		if v.Active && v.Plate == plate && v.PlateState == plateState {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *Fake) ListActiveVehiclesByState(_ context.Context, plateState string) ([]domain.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Vehicle
	for _, v := range f.Vehicles {
		if v.Active && v.PlateState == plateState {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *Fake) ListVehiclesSeenBetween(_ context.Context, from, to time.Time) ([]domain.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Vehicle
	for _, v := range f.Vehicles {
		if v.Active && v.LastSeen != nil && !v.LastSeen.Before(from) && !v.LastSeen.After(to) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *Fake) GetUserTimezone(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tz, ok := f.Timezones[userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return tz, nil
}

// ── connector cursors ─────────────────────────────────────────────────────

func (f *Fake) GetCursor(_ context.Context, agencyID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Cursors[agencyID], nil
}

func (f *Fake) SetCursor(_ context.Context, agencyID, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cursors[agencyID] = cursor
	return nil
}

// ── manual review ─────────────────────────────────────────────────────────

func (f *Fake) InsertManualReview(_ context.Context, r store.ManualReview) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextReviewID++
	r.ID = f.nextReviewID
	r.CreatedAt = time.Now().UTC()
	f.Reviews[r.ID] = r
	return r.ID, nil
}

func (f *Fake) ListManualReview(_ context.Context, limit int) ([]store.ManualReview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ManualReview
	for _, r := range f.Reviews {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) GetManualReview(_ context.Context, id int64) (store.ManualReview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Reviews[id]
	if !ok {
		return store.ManualReview{}, store.ErrNotFound
	}
	return r, nil
}

func (f *Fake) DeleteManualReview(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Reviews[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.Reviews, id)
	return nil
}

func (f *Fake) CountManualReview(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.Reviews)), nil
}

// ── rate configs ──────────────────────────────────────────────────────────

func (f *Fake) GetRateConfig(_ context.Context, agencyID, rateKey, vehicleClass string) (domain.RateConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var fallback *domain.RateConfig
	for i, rc := range f.Rates {
		if rc.AgencyID != agencyID || rc.VehicleClass != vehicleClass {
			continue
		}
		if rc.RateKey == rateKey {
			return rc, nil
		}
		if rc.RateKey == "*" {
			fallback = &f.Rates[i]
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return domain.RateConfig{}, store.ErrNotFound
}
