package portal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RCcoders/Medical-Porject-sub001/pkg/pagination"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

var _ API = (*Store)(nil)

// Store reads and updates the portal's medical.notifications and
// medical.appointments tables. It does not own their schema.
type Store struct {
	db       queryable
	pageSize int
}

// NewStore wraps a pool.
func NewStore(pool *pgxpool.Pool, pageSize int) *Store {
	return newStore(pool, pageSize)
}

func newStore(db queryable, pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = pagination.DefaultLimit
	}
	return &Store{db: db, pageSize: pageSize}
}

const notificationCols = `id::text, title, message, type, is_read, created_at, COALESCE(link, '')`

func (s *Store) FetchNotifications(ctx context.Context, identity string) ([]Notification, error) {
	return s.FetchNotificationsPage(ctx, identity, pagination.New(0, s.pageSize))
}

func (s *Store) FetchNotificationsPage(ctx context.Context, identity string, p pagination.Params) ([]Notification, error) {
	rows, err := s.db.Query(ctx, `SELECT `+notificationCols+`
		FROM medical.notifications
		WHERE user_id::text = $1
		ORDER BY created_at DESC
		OFFSET $2 LIMIT $3`, identity, p.Skip, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var category string
		if err := rows.Scan(&n.ID, &n.Title, &n.Message, &category, &n.IsRead, &n.CreatedAt, &n.Link); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = Category(category)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE medical.notifications SET is_read = true WHERE id::text = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, identity string) error {
	_, err := s.db.Exec(ctx, `UPDATE medical.notifications SET is_read = true
		WHERE user_id::text = $1 AND is_read = false`, identity)
	if err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func (s *Store) FetchAppointment(ctx context.Context, id string) (*Appointment, error) {
	var a Appointment
	var date *time.Time
	err := s.db.QueryRow(ctx, `SELECT id::text, user_id::text, COALESCE(doctor_name, ''),
			COALESCE(status, ''), COALESCE(consultation_mode, ''), appointment_date
		FROM medical.appointments WHERE id::text = $1`, id).
		Scan(&a.ID, &a.PatientID, &a.DoctorName, &a.Status, &a.ConsultationMode, &date)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("appointment %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("fetch appointment: %w", err)
	}
	a.AppointmentDate = date
	return &a, nil
}

func (s *Store) UpdateAppointmentStatus(ctx context.Context, id, status string) error {
	tag, err := s.db.Exec(ctx, `UPDATE medical.appointments SET status = $2, updated_at = now()
		WHERE id::text = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update appointment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	return nil
}
