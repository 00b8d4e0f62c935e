package call

// Message types carried on the call-room channel.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeCallEnded = "CALL_ENDED"
	TypeUserLeft  = "user-left"
)

// Signal is a call-room message. Exactly one payload field is set for offer,
// answer and candidate; CALL_ENDED carries none. user-left is produced by the
// relay when the other participant disconnects.
type Signal struct {
	Type      string              `json:"type"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
	UserID    string              `json:"userId,omitempty"`
}
