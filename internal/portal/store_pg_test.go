package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/RCcoders/Medical-Porject-sub001/pkg/pagination"
)

// mockDB records statements and serves canned rows.
type mockDB struct {
	rows     [][]any
	row      []any
	rowErr   error
	affected int64
	execErr  error

	lastSQL  string
	lastArgs []any
}

func (m *mockDB) Query(_ context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	m.lastSQL, m.lastArgs = sql, args
	return &mockRows{data: m.rows, idx: -1}, nil
}

func (m *mockDB) QueryRow(_ context.Context, sql string, args ...interface{}) pgx.Row {
	m.lastSQL, m.lastArgs = sql, args
	return &mockRow{values: m.row, err: m.rowErr}
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	m.lastSQL, m.lastArgs = sql, args
	if m.execErr != nil {
		return pgconn.CommandTag{}, m.execErr
	}
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", m.affected)), nil
}

type mockRow struct {
	values []any
	err    error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.values, dest)
}

type mockRows struct {
	data [][]any
	idx  int
}

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return nil }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) Values() ([]any, error)                       { return r.data[r.idx], nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

func (r *mockRows) Next() bool {
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	return assign(r.data[r.idx], dest)
}

func assign(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: %d values into %d targets", len(values), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = values[i].(string)
		case *bool:
			*p = values[i].(bool)
		case *time.Time:
			*p = values[i].(time.Time)
		case **time.Time:
			*p, _ = values[i].(*time.Time)
		default:
			return fmt.Errorf("scan: unsupported target %T", d)
		}
	}
	return nil
}

func TestStore_FetchNotifications(t *testing.T) {
	created := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	db := &mockDB{rows: [][]any{
		{"n2", "Refill due", "Atorvastatin", "prescription", false, created, ""},
		{"n1", "Booked", "Tomorrow 10:00", "appointment", true, created.Add(-time.Hour), "/appointments"},
	}}
	s := newStore(db, 0)

	got, err := s.FetchNotifications(context.Background(), "patient-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "n2" || got[1].Link != "/appointments" {
		t.Fatalf("unexpected notifications: %+v", got)
	}
	if got[0].Type != CategoryPrescription {
		t.Errorf("expected prescription category, got %s", got[0].Type)
	}
	if !strings.Contains(db.lastSQL, "ORDER BY created_at DESC") {
		t.Errorf("expected newest-first ordering, got %s", db.lastSQL)
	}
	if db.lastArgs[0] != "patient-1" || db.lastArgs[1] != 0 || db.lastArgs[2] != pagination.DefaultLimit {
		t.Errorf("unexpected args: %v", db.lastArgs)
	}
}

func TestStore_MarkNotificationRead(t *testing.T) {
	db := &mockDB{affected: 1}
	s := newStore(db, 20)

	if err := s.MarkNotificationRead(context.Background(), "n1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	db.affected = 0
	if err := s.MarkNotificationRead(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_MarkAllNotificationsRead(t *testing.T) {
	db := &mockDB{}
	s := newStore(db, 20)

	if err := s.MarkAllNotificationsRead(context.Background(), "patient-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(db.lastSQL, "is_read = false") {
		t.Errorf("expected only unread rows to be touched: %s", db.lastSQL)
	}

	db.execErr = errors.New("connection reset")
	if err := s.MarkAllNotificationsRead(context.Background(), "patient-1"); err == nil {
		t.Error("expected exec error to propagate")
	}
}

func TestStore_FetchAppointment(t *testing.T) {
	when := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	db := &mockDB{row: []any{"a-1", "patient-1", "Dr. Rao", "Scheduled", "Online", &when}}
	s := newStore(db, 20)

	appt, err := s.FetchAppointment(context.Background(), "a-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if appt.PatientID != "patient-1" || appt.ConsultationMode != "Online" || appt.AppointmentDate == nil {
		t.Errorf("unexpected appointment: %+v", appt)
	}

	db.rowErr = pgx.ErrNoRows
	if _, err := s.FetchAppointment(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpdateAppointmentStatus(t *testing.T) {
	db := &mockDB{affected: 1}
	s := newStore(db, 20)

	if err := s.UpdateAppointmentStatus(context.Background(), "a-1", AppointmentCompleted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if db.lastArgs[1] != AppointmentCompleted {
		t.Errorf("expected completed status arg, got %v", db.lastArgs)
	}
}
