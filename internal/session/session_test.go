package session

import (
	"context"
	"encoding/json"
	"errors"
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
)

type fakePortal struct {
	mu           sync.Mutex
	appointments map[string]*portal.Appointment
	statuses     []string
}

func newFakePortal() *fakePortal {
	return &fakePortal{appointments: map[string]*portal.Appointment{
		"appt-1": {ID: "appt-1", PatientID: "p1", DoctorName: "Dr. Rao", Status: "scheduled", ConsultationMode: "video"},
	}}
}

func (f *fakePortal) FetchNotifications(context.Context, string) ([]portal.Notification, error) {
	return nil, nil
}

func (f *fakePortal) MarkNotificationRead(context.Context, string) error { return nil }

func (f *fakePortal) MarkAllNotificationsRead(context.Context, string) error { return nil }

func (f *fakePortal) FetchAppointment(_ context.Context, id string) (*portal.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appointments[id]
	if !ok {
		return nil, portal.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakePortal) UpdateAppointmentStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, id+"="+status)
	return nil
}

func (f *fakePortal) statusUpdates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

type nopMedia struct{}

func (nopMedia) HasVideo() bool { return true }
func (nopMedia) HasAudio() bool { return true }
func (nopMedia) SetAudioEnabled(bool) {}
func (nopMedia) SetVideoEnabled(bool) {}
func (nopMedia) Stop() {}

type nopPeer struct{}

func (nopPeer) AddLocalMedia(call.LocalMedia) error { return nil }
func (nopPeer) CreateOffer(context.Context) (call.SessionDescription, error) {
	return call.SessionDescription{Type: "offer", SDP: "v=0"}, nil
}
func (nopPeer) CreateAnswer(context.Context, call.SessionDescription) (call.SessionDescription, error) {
	return call.SessionDescription{Type: "answer", SDP: "v=0"}, nil
}
func (nopPeer) SetRemoteDescription(call.SessionDescription) error { return nil }
func (nopPeer) AddICECandidate(call.ICECandidate) error { return nil }
func (nopPeer) Close() error { return nil }

type fakeCapability struct{ mediaErr error }

func (f fakeCapability) AcquireMedia(context.Context, call.MediaConstraints) (call.LocalMedia, error) {
	if f.mediaErr != nil {
		return nil, f.mediaErr
	}
	return nopMedia{}, nil
}

func (fakeCapability) NewPeer(call.PeerHandlers) (call.Peer, error) { return nopPeer{}, nil }

type fixture struct {
	session  *Session
	portal   *fakePortal
	notifs   *realtimetest.Dialer
	calls    *realtimetest.Dialer
	notifCon *realtimetest.Conn
}

func open(t *testing.T, id auth.Identity, capability call.Capability) *fixture {
	t.Helper()
	f := &fixture{
		portal: newFakePortal(),
		notifs: realtimetest.NewDialer(),
		calls:  realtimetest.NewDialer(),
	}
	f.session = New(auth.StaticProvider{ID: id}, f.portal, capability, "ws://portal.test", zerolog.Nop(),
		WithNotificationOptions(notification.WithChannelOptions(realtime.WithDialer(f.notifs))),
		WithCallOptions(call.WithChannelOptions(realtime.WithDialer(f.calls))),
	)
	if err := f.session.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.notifCon = f.notifs.NextConn(t)
	t.Cleanup(func() { f.session.Close() })
	return f
}

var (
	doctor  = auth.Identity{ID: "doc-1", DisplayName: "Dr. Rao", Role: auth.RoleDoctor}
	patient = auth.Identity{ID: "p1", DisplayName: "Asha", Role: auth.RolePatient}
)

func decode(t *testing.T, frame []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		t.Fatalf("decode %s: %v", frame, err)
	}
	return m
}

func TestOpen_NoIdentity(t *testing.T) {
	s := New(auth.StaticProvider{}, newFakePortal(), fakeCapability{}, "ws://portal.test", zerolog.Nop())
	if err := s.Open(context.Background()); !errors.Is(err, notification.ErrNotReady) {
		t.Fatalf("Open = %v, want ErrNotReady", err)
	}
	if _, err := s.StartCall(context.Background(), "appt-1"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("StartCall before Open = %v", err)
	}
}

func TestStartCall_InvitesPatientAndOffers(t *testing.T) {
	f := open(t, doctor, fakeCapability{})

	engine, err := f.session.StartCall(context.Background(), "appt-1")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	callConn := f.calls.NextConn(t)
	if callConn.URL != "ws://portal.test/ws/call/appt-1/doc-1" {
		t.Errorf("call url = %q", callConn.URL)
	}
	if types := callConn.SentTypes(); len(types) != 1 || types[0] != call.TypeOffer {
		t.Errorf("call channel sent %v", types)
	}

	sent := f.notifCon.Sent()
	if len(sent) != 1 {
		t.Fatalf("notification channel sent %d frames", len(sent))
	}
	invite := decode(t, sent[0])
	if invite["type"] != notification.TypeCallInitiated || invite["patient_id"] != "p1" ||
		invite["room_id"] != "appt-1" || invite["appointment_id"] != "appt-1" || invite["doctor_name"] != "Dr. Rao" {
		t.Errorf("invite = %v", invite)
	}

	if engine.Phase() != call.PhaseConnecting {
		t.Errorf("phase = %s", engine.Phase())
	}
	if _, err := f.session.StartCall(context.Background(), "appt-1"); !errors.Is(err, ErrCallInProgress) {
		t.Errorf("second StartCall = %v", err)
	}
}

func TestStartCall_UnknownAppointment(t *testing.T) {
	f := open(t, doctor, fakeCapability{})
	if _, err := f.session.StartCall(context.Background(), "missing"); !errors.Is(err, portal.ErrNotFound) {
		t.Fatalf("StartCall = %v", err)
	}
	if _, err := f.session.StartCall(context.Background(), "appt-1"); err != nil {
		t.Errorf("slot not released: %v", err)
	}
}

func TestStartCall_PatientRejected(t *testing.T) {
	f := open(t, patient, fakeCapability{})
	if _, err := f.session.StartCall(context.Background(), "appt-1"); !errors.Is(err, ErrNotClinician) {
		t.Errorf("StartCall = %v", err)
	}
}

func TestStartCall_MediaFailureFreesSlot(t *testing.T) {
	f := open(t, doctor, fakeCapability{mediaErr: errors.New("no devices")})
	if _, err := f.session.StartCall(context.Background(), "appt-1"); !errors.Is(err, call.ErrMediaUnavailable) {
		t.Fatalf("StartCall = %v", err)
	}
	if _, ok := f.session.ActiveCall(); ok {
		t.Error("active call left after media failure")
	}
	if len(f.notifCon.Sent()) != 0 {
		t.Error("invitation sent for a call that never started")
	}
}

func TestEndBeforePatientJoinedWithdrawsInvitation(t *testing.T) {
	f := open(t, doctor, fakeCapability{})
	engine, err := f.session.StartCall(context.Background(), "appt-1")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.calls.NextConn(t)

	if err := f.session.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	<-engine.Done()

	realtimetest.WaitFor(t, "withdrawal", func() bool { return len(f.notifCon.Sent()) == 2 })
	ended := decode(t, f.notifCon.Sent()[1])
	if ended["type"] != notification.TypeCallEnded || ended["room_id"] != "appt-1" || ended["patient_id"] != "p1" {
		t.Errorf("withdrawal = %v", ended)
	}
	if got := f.portal.statusUpdates(); len(got) != 1 || got[0] != "appt-1=completed" {
		t.Errorf("status updates = %v", got)
	}
	if err := f.session.EndCall(context.Background()); !errors.Is(err, ErrNoCall) {
		t.Errorf("EndCall with no call = %v", err)
	}
}

func TestEndAfterPatientJoined(t *testing.T) {
	f := open(t, doctor, fakeCapability{})
	engine, err := f.session.StartCall(context.Background(), "appt-1")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	callConn := f.calls.NextConn(t)
	callConn.Push(call.Signal{Type: call.TypeAnswer, Answer: &call.SessionDescription{Type: "answer", SDP: "v=0"}})
	realtimetest.WaitFor(t, "patient present", func() bool { return engine.Snapshot().RemotePresent })

	if err := f.session.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	<-engine.Done()
	time.Sleep(20 * time.Millisecond)

	if n := len(f.notifCon.Sent()); n != 1 {
		t.Errorf("notification channel sent %d frames, want only the invitation", n)
	}
	if got := callConn.SentTypes(); got[len(got)-1] != call.TypeCallEnded {
		t.Errorf("call channel sent %v", got)
	}
}

func TestPatientAcceptsInvitation(t *testing.T) {
	f := open(t, patient, fakeCapability{})

	if _, err := f.session.AcceptInvitation(context.Background()); !errors.Is(err, notification.ErrNoInvitation) {
		t.Errorf("AcceptInvitation without invitation = %v", err)
	}

	f.notifCon.Push(notification.NewCallInitiated("appt-1", "Dr. Rao", "p1", "appt-1"))
	svc := f.session.Notifications()
	realtimetest.WaitFor(t, "invitation", func() bool {
		_, ok := svc.PendingInvitation()
		return ok
	})

	engine, err := f.session.AcceptInvitation(context.Background())
	if err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}
	callConn := f.calls.NextConn(t)
	if callConn.URL != "ws://portal.test/ws/call/appt-1/p1" {
		t.Errorf("call url = %q", callConn.URL)
	}
	if len(callConn.Sent()) != 0 {
		t.Errorf("responder sent %v before the offer", callConn.SentTypes())
	}

	callConn.Push(call.Signal{Type: call.TypeOffer, Offer: &call.SessionDescription{Type: "offer", SDP: "v=0"}})
	realtimetest.WaitFor(t, "answer", func() bool { return len(callConn.Sent()) == 1 })

	callConn.Push(call.Signal{Type: call.TypeCallEnded})
	<-engine.Done()
	if engine.Phase() != call.PhaseEnded {
		t.Errorf("phase = %s", engine.Phase())
	}
	if len(f.portal.statusUpdates()) != 0 {
		t.Error("patient side updated the appointment")
	}
	if len(f.notifCon.Sent()) != 0 {
		t.Errorf("patient sent %d notification frames", len(f.notifCon.Sent()))
	}
	if _, ok := f.session.ActiveCall(); ok {
		t.Error("call slot not freed")
	}
}

func TestCloseTearsDownActiveCall(t *testing.T) {
	f := open(t, doctor, fakeCapability{})
	engine, err := f.session.StartCall(context.Background(), "appt-1")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	callConn := f.calls.NextConn(t)

	if err := f.session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-engine.Done()
	if !callConn.IsClosed() || !f.notifCon.IsClosed() {
		t.Error("channels left open")
	}
	if len(f.portal.statusUpdates()) != 0 {
		t.Error("teardown should not complete the appointment")
	}
	if err := f.session.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := f.session.StartCall(context.Background(), "appt-1"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("StartCall after Close = %v", err)
	}
}
