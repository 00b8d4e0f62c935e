package notification

import (
	"time"

	"github.com/RCcoders/Medical-Porject-sub001/internal/portal"
)

// Message types carried on the notification channel.
const (
	TypeCallInitiated       = "CALL_INITIATED"
	TypeGeneralNotification = "GENERAL_NOTIFICATION"
	TypeCallEnded           = "CALL_ENDED"
)

// CallInitiated invites PatientID into RoomID.
type CallInitiated struct {
	Type          string `json:"type"`
	AppointmentID string `json:"appointment_id"`
	DoctorName    string `json:"doctor_name"`
	PatientID     string `json:"patient_id"`
	RoomID        string `json:"room_id"`
}

// CallEnded withdraws an invitation that was never answered.
type CallEnded struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	PatientID string `json:"patient_id"`
}

// GeneralNotification pushes a single notification.
type GeneralNotification struct {
	Type         string              `json:"type"`
	Notification portal.Notification `json:"notification"`
}

// Invitation is a pending incoming call. An identity holds at most one; a
// newer invitation replaces the older one.
type Invitation struct {
	RoomID        string
	AppointmentID string
	InitiatorName string
	PatientID     string
	ReceivedAt    time.Time
}

// NewCallInitiated builds the invitation message sent by the clinician.
func NewCallInitiated(appointmentID, doctorName, patientID, roomID string) CallInitiated {
	return CallInitiated{
		Type:          TypeCallInitiated,
		AppointmentID: appointmentID,
		DoctorName:    doctorName,
		PatientID:     patientID,
		RoomID:        roomID,
	}
}

// NewCallEnded builds the withdrawal message for patientID.
func NewCallEnded(roomID, patientID string) CallEnded {
	return CallEnded{Type: TypeCallEnded, RoomID: roomID, PatientID: patientID}
}
