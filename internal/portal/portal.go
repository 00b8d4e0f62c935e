// Package portal is the boundary to the health portal's CRUD surface: the
// notification list and the appointment record. Two implementations are
// provided, a REST client for the portal API and a Postgres store reading the
// portal's tables directly.
package portal

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a notification or appointment does not exist.
var ErrNotFound = errors.New("portal: not found")

// Category classifies a notification.
type Category string

const (
	CategoryAppointment  Category = "appointment"
	CategoryPrescription Category = "prescription"
	CategoryGeneral      Category = "general"
)

// Notification is a user-facing alert. IsRead only ever flips false to true.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      Category  `json:"type"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
	Link      string    `json:"link,omitempty"`
}

// Appointment status values written by the session layer.
const (
	AppointmentCompleted = "completed"
)

// Appointment is the subset of the appointment record the call flow needs.
// PatientID is the identity that receives the call invitation.
type Appointment struct {
	ID               string     `json:"id"`
	PatientID        string     `json:"user_id"`
	DoctorName       string     `json:"doctor_name"`
	Status           string     `json:"status"`
	ConsultationMode string     `json:"consultation_mode,omitempty"`
	AppointmentDate  *time.Time `json:"appointment_date,omitempty"`
}

// NotificationAPI lists notifications and persists their read state.
type NotificationAPI interface {
	FetchNotifications(ctx context.Context, identity string) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context, identity string) error
}

// AppointmentAPI reads an appointment and records its outcome.
type AppointmentAPI interface {
	FetchAppointment(ctx context.Context, id string) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id, status string) error
}

// API is the full collaborator surface.
type API interface {
	NotificationAPI
	AppointmentAPI
}

// StatusError is a non-2xx response from the portal API.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("portal: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("portal: %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == 404 {
		return ErrNotFound
	}
	return nil
}
