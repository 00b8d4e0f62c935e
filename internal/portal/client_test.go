package portal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/RCcoders/Medical-Porject-sub001/pkg/pagination"
)

type fakePortal struct {
	mu       sync.Mutex
	auth     []string
	statuses map[string]string
	read     []string
	readAll  []string
	query    map[string]string
}

func newFakePortal() (*fakePortal, *httptest.Server) {
	fp := &fakePortal{statuses: map[string]string{}, query: map[string]string{}}
	e := echo.New()
	e.HideBanner = true

	record := func(c echo.Context) {
		fp.mu.Lock()
		fp.auth = append(fp.auth, c.Request().Header.Get("Authorization"))
		fp.mu.Unlock()
	}

	e.GET("/notifications/:user", func(c echo.Context) error {
		record(c)
		fp.mu.Lock()
		fp.query["skip"] = c.QueryParam("skip")
		fp.query["limit"] = c.QueryParam("limit")
		fp.mu.Unlock()
		return c.JSON(http.StatusOK, []Notification{
			{ID: "n2", Title: "Refill", Type: CategoryPrescription, CreatedAt: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)},
			{ID: "n1", Title: "Booked", Type: CategoryAppointment, IsRead: true, CreatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		})
	})
	e.PATCH("/notifications/read-all/:user", func(c echo.Context) error {
		record(c)
		fp.mu.Lock()
		fp.readAll = append(fp.readAll, c.Param("user"))
		fp.mu.Unlock()
		return c.JSON(http.StatusOK, map[string]string{"message": "All notifications marked as read"})
	})
	e.PATCH("/notifications/:id/read", func(c echo.Context) error {
		record(c)
		if c.Param("id") == "missing" {
			return c.JSON(http.StatusNotFound, map[string]string{"detail": "Notification not found"})
		}
		fp.mu.Lock()
		fp.read = append(fp.read, c.Param("id"))
		fp.mu.Unlock()
		return c.JSON(http.StatusOK, map[string]any{"id": c.Param("id"), "is_read": true})
	})
	e.GET("/appointments/:id", func(c echo.Context) error {
		record(c)
		return c.JSON(http.StatusOK, map[string]any{
			"id":          c.Param("id"),
			"user_id":     "patient-1",
			"doctor_name": "Dr. Rao",
			"status":      "Scheduled",
		})
	})
	e.PATCH("/appointments/:id/status", func(c echo.Context) error {
		record(c)
		fp.mu.Lock()
		fp.statuses[c.Param("id")] = c.QueryParam("status")
		fp.mu.Unlock()
		return c.JSON(http.StatusOK, map[string]any{"id": c.Param("id")})
	})

	return fp, httptest.NewServer(e)
}

func TestClient_FetchNotifications(t *testing.T) {
	fp, srv := newFakePortal()
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop(), WithToken("tok"))
	got, err := c.FetchNotifications(context.Background(), "patient-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "n2" || got[1].ID != "n1" {
		t.Fatalf("expected server order n2,n1, got %+v", got)
	}
	if got[1].Type != CategoryAppointment || !got[1].IsRead {
		t.Errorf("unexpected decode of n1: %+v", got[1])
	}
	if fp.query["limit"] != "20" || fp.query["skip"] != "0" {
		t.Errorf("expected skip=0 limit=20, got %v", fp.query)
	}
	if fp.auth[0] != "Bearer tok" {
		t.Errorf("expected bearer token, got %q", fp.auth[0])
	}
}

func TestClient_FetchNotificationsPage(t *testing.T) {
	fp, srv := newFakePortal()
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	if _, err := c.FetchNotificationsPage(context.Background(), "p", pagination.New(20, 5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp.query["skip"] != "20" || fp.query["limit"] != "5" {
		t.Errorf("unexpected window: %v", fp.query)
	}
	if fp.auth[0] != "" {
		t.Errorf("expected no authorization header without a token, got %q", fp.auth[0])
	}
}

func TestClient_MarkRead(t *testing.T) {
	fp, srv := newFakePortal()
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	if err := c.MarkNotificationRead(context.Background(), "n2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fp.read) != 1 || fp.read[0] != "n2" {
		t.Errorf("expected n2 marked read, got %v", fp.read)
	}

	err := c.MarkNotificationRead(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Detail != "Notification not found" {
		t.Errorf("expected detail from body, got %v", err)
	}
}

func TestClient_MarkAllRead(t *testing.T) {
	fp, srv := newFakePortal()
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	if err := c.MarkAllNotificationsRead(context.Background(), "patient-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fp.readAll) != 1 || fp.readAll[0] != "patient-1" {
		t.Errorf("expected read-all for patient-1, got %v", fp.readAll)
	}
}

func TestClient_Appointments(t *testing.T) {
	fp, srv := newFakePortal()
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	appt, err := c.FetchAppointment(context.Background(), "a-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if appt.PatientID != "patient-1" || appt.DoctorName != "Dr. Rao" {
		t.Errorf("unexpected appointment: %+v", appt)
	}

	if err := c.UpdateAppointmentStatus(context.Background(), "a-1", AppointmentCompleted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp.statuses["a-1"] != "completed" {
		t.Errorf("expected completed status, got %q", fp.statuses["a-1"])
	}
}

func TestClient_TransportError(t *testing.T) {
	_, srv := newFakePortal()
	srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	if _, err := c.FetchNotifications(context.Background(), "p"); err == nil {
		t.Fatal("expected error from closed server")
	}
}
