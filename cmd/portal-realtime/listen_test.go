package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/RCcoders/Medical-Porject-sub001/internal/call"
	"github.com/RCcoders/Medical-Porject-sub001/internal/notification"
	"github.com/RCcoders/Medical-Porject-sub001/internal/platform/auth"
	"github.com/RCcoders/Medical-Porject-sub001/internal/portal"
	"github.com/RCcoders/Medical-Porject-sub001/internal/realtime"
	"github.com/RCcoders/Medical-Porject-sub001/internal/realtime/realtimetest"
	"github.com/RCcoders/Medical-Porject-sub001/internal/session"
)

type quietPortal struct{}

func (quietPortal) FetchNotifications(context.Context, string) ([]portal.Notification, error) {
	return nil, nil
}
func (quietPortal) MarkNotificationRead(context.Context, string) error { return nil }
func (quietPortal) MarkAllNotificationsRead(context.Context, string) error { return nil }
func (quietPortal) UpdateAppointmentStatus(context.Context, string, string) error { return nil }
func (quietPortal) FetchAppointment(_ context.Context, id string) (*portal.Appointment, error) {
	return &portal.Appointment{ID: id, PatientID: "p1"}, nil
}

type stillMedia struct{}

func (stillMedia) HasVideo() bool { return false }
func (stillMedia) HasAudio() bool { return true }
func (stillMedia) SetAudioEnabled(bool) {}
func (stillMedia) SetVideoEnabled(bool) {}
func (stillMedia) Stop() {}

type silentPeer struct{}

func (silentPeer) AddLocalMedia(call.LocalMedia) error { return nil }
func (silentPeer) CreateOffer(context.Context) (call.SessionDescription, error) {
	return call.SessionDescription{Type: "offer", SDP: "v=0"}, nil
}
func (silentPeer) CreateAnswer(context.Context, call.SessionDescription) (call.SessionDescription, error) {
	return call.SessionDescription{Type: "answer", SDP: "v=0"}, nil
}
func (silentPeer) SetRemoteDescription(call.SessionDescription) error { return nil }
func (silentPeer) AddICECandidate(call.ICECandidate) error { return nil }
func (silentPeer) Close() error { return nil }
func (silentPeer) Stats() call.MediaStats {
	return call.MediaStats{Packets: 3, Bytes: 1200}
}

type audioOnly struct{}

func (audioOnly) AcquireMedia(context.Context, call.MediaConstraints) (call.LocalMedia, error) {
	return stillMedia{}, nil
}
func (audioOnly) NewPeer(call.PeerHandlers) (call.Peer, error) { return silentPeer{}, nil }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestControlCall_Commands(t *testing.T) {
	dialer := realtimetest.NewDialer()
	engine := call.NewEngine(call.Config{
		Room:         "appt-1",
		Identity:     "doc-1",
		Role:         call.RoleInitiator,
		RealtimeBase: "ws://portal.test",
	}, audioOnly{}, quietPortal{}, zerolog.Nop(), call.WithChannelOptions(realtime.WithDialer(dialer)))
	defer engine.Close()
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := dialer.NextConn(t)

	out := &syncBuffer{}
	err := controlCall(context.Background(), engine, strings.NewReader("s\nm\nx\nq\n"), out, time.Second)
	if err != nil {
		t.Fatalf("controlCall: %v", err)
	}
	for _, want := range []string{"received: 3 packets, 1200 bytes", "muted: true", "commands:"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q missing %q", out.String(), want)
		}
	}
	if engine.Phase() != call.PhaseEnded {
		t.Errorf("phase = %s after q", engine.Phase())
	}
	sent := conn.SentTypes()
	if len(sent) == 0 || sent[len(sent)-1] != call.TypeCallEnded {
		t.Errorf("sent %v, want a trailing CALL_ENDED", sent)
	}
}

// Notifications keep printing while an auto-accepted call is in progress.
func TestListen_AutoAcceptKeepsNotificationsFlowing(t *testing.T) {
	notifs := realtimetest.NewDialer()
	rooms := realtimetest.NewDialer()
	sess := session.New(auth.StaticProvider{ID: auth.Identity{ID: "p1", Role: auth.RolePatient}},
		quietPortal{}, audioOnly{}, "ws://portal.test", zerolog.Nop(),
		session.WithNotificationOptions(notification.WithChannelOptions(realtime.WithDialer(notifs))),
		session.WithCallOptions(call.WithChannelOptions(realtime.WithDialer(rooms))),
	)
	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()
	notifConn := notifs.NextConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- listen(ctx, sess, true, out, zerolog.Nop()) }()
	realtimetest.WaitFor(t, "listen started", func() bool { return strings.Contains(out.String(), "unread") })

	notifConn.Push(map[string]string{
		"type":           "CALL_INITIATED",
		"appointment_id": "appt-1",
		"doctor_name":    "Dr. Rao",
		"patient_id":     "p1",
		"room_id":        "appt-1",
	})
	roomConn := rooms.NextConn(t)
	realtimetest.WaitFor(t, "invitation printed", func() bool { return strings.Contains(out.String(), "incoming call from Dr. Rao") })
	realtimetest.WaitFor(t, "call joined", func() bool {
		active, ok := sess.ActiveCall()
		return ok && active.Phase() == call.PhaseConnecting
	})

	notifConn.Push(map[string]any{
		"type": "GENERAL_NOTIFICATION",
		"notification": map[string]any{
			"id": "n9", "title": "Lab results ready", "message": "CBC", "type": "lab_result",
			"created_at": "2026-01-02T10:00:00Z",
		},
	})
	realtimetest.WaitFor(t, "notification during call", func() bool {
		return strings.Contains(out.String(), "Lab results ready: CBC")
	})
	if active, ok := sess.ActiveCall(); !ok || active.Phase().Terminal() {
		t.Fatal("call should still be running")
	}
	if roomConn.IsClosed() {
		t.Fatal("room channel closed early")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return after cancel")
	}
}
