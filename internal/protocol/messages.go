package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Meet/internal/domain"
)

// Message is one tagged variant of the envelope.
type Message interface {
	Kind() Kind
}

// Routed is implemented by the negotiation primitives the relay unicasts.
type Routed interface {
	Message
	Destination() domain.ParticipantID
	// FromSender returns a copy stamped with the sender handle.
	FromSender(from domain.ParticipantID) Routed
}

type validator interface {
	validate() error
}

type CreateSession struct {
	Name  string `json:"name"`
	Audio bool   `json:"audio"`
	Video bool   `json:"video"`
}

type JoinSession struct {
	MeetingID domain.MeetingID `json:"meetingId"`
	Name      string           `json:"name"`
	Audio     bool             `json:"audio"`
	Video     bool             `json:"video"`
}

type LeaveSession struct{}

type SessionCreated struct {
	MeetingID domain.MeetingID     `json:"meetingId"`
	Self      domain.ParticipantID `json:"self"`
}

// SessionJoined carries everyone already present so the joiner can offer to
// each of them.
type SessionJoined struct {
	MeetingID    domain.MeetingID     `json:"meetingId"`
	Self         domain.ParticipantID `json:"self"`
	Participants []domain.Participant `json:"participants"`
}

type SessionLeft struct {
	MeetingID domain.MeetingID `json:"meetingId"`
}

type PresenceJoin struct {
	Participant domain.Participant `json:"participant"`
}

type PresenceLeave struct {
	ID domain.ParticipantID `json:"id"`
}

type StateChange struct {
	From    domain.ParticipantID `json:"from,omitempty"`
	Field   domain.MediaField    `json:"field"`
	Enabled bool                 `json:"enabled"`
}

// Chat sources. Gesture and caption transcripts travel as chat.
const (
	SourceKeyboard = "keyboard"
	SourceGesture  = "gesture"
	SourceCaption  = "caption"
)

type Chat struct {
	From   domain.ParticipantID `json:"from,omitempty"`
	Name   string               `json:"name,omitempty"`
	Text   string               `json:"text"`
	Source string               `json:"source,omitempty"`
	SentAt time.Time            `json:"sentAt,omitzero"`
}

type Offer struct {
	To   domain.ParticipantID `json:"to"`
	From domain.ParticipantID `json:"from,omitempty"`
	SDP  json.RawMessage      `json:"sdp"`
}

type Answer struct {
	To   domain.ParticipantID `json:"to"`
	From domain.ParticipantID `json:"from,omitempty"`
	SDP  json.RawMessage      `json:"sdp"`
}

type ICECandidate struct {
	To        domain.ParticipantID `json:"to"`
	From      domain.ParticipantID `json:"from,omitempty"`
	Candidate json.RawMessage      `json:"candidate"`
}

type ErrorCode string

const (
	CodeNotFound           ErrorCode = "not_found"
	CodeBadEnvelope        ErrorCode = "bad_envelope"
	CodeUnknownKind        ErrorCode = "unknown_kind"
	CodeMissingDestination ErrorCode = "missing_destination"
	CodeNotInSession       ErrorCode = "not_in_session"
	CodeRateLimited        ErrorCode = "rate_limited"
	CodeInternal           ErrorCode = "internal"
)

type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

type Ping struct{}

type Pong struct{}

func (*CreateSession) Kind() Kind  { return KindCreateSession }
func (*JoinSession) Kind() Kind    { return KindJoinSession }
func (*LeaveSession) Kind() Kind   { return KindLeaveSession }
func (*SessionCreated) Kind() Kind { return KindSessionCreated }
func (*SessionJoined) Kind() Kind  { return KindSessionJoined }
func (*SessionLeft) Kind() Kind    { return KindSessionLeft }
func (*PresenceJoin) Kind() Kind   { return KindPresenceJoin }
func (*PresenceLeave) Kind() Kind  { return KindPresenceLeave }
func (*StateChange) Kind() Kind    { return KindStateChange }
func (*Chat) Kind() Kind           { return KindChat }
func (*Offer) Kind() Kind          { return KindOffer }
func (*Answer) Kind() Kind         { return KindAnswer }
func (*ICECandidate) Kind() Kind   { return KindICECandidate }
func (*Error) Kind() Kind          { return KindError }
func (*Ping) Kind() Kind           { return KindPing }
func (*Pong) Kind() Kind           { return KindPong }

func (m *Offer) Destination() domain.ParticipantID        { return m.To }
func (m *Answer) Destination() domain.ParticipantID       { return m.To }
func (m *ICECandidate) Destination() domain.ParticipantID { return m.To }

func (m *Offer) FromSender(from domain.ParticipantID) Routed {
	out := *m
	out.From = from
	return &out
}

func (m *Answer) FromSender(from domain.ParticipantID) Routed {
	out := *m
	out.From = from
	return &out
}

func (m *ICECandidate) FromSender(from domain.ParticipantID) Routed {
	out := *m
	out.From = from
	return &out
}

func (m *JoinSession) validate() error {
	m.MeetingID = domain.ParseMeetingID(string(m.MeetingID))
	if m.MeetingID == "" {
		return fmt.Errorf("%w: joinSession missing meetingId", ErrBadEnvelope)
	}
	return nil
}

func (m *StateChange) validate() error {
	if !m.Field.Valid() {
		return fmt.Errorf("%w: stateChange field %q", ErrBadEnvelope, m.Field)
	}
	return nil
}

func (m *Chat) validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("%w: empty chat text", ErrBadEnvelope)
	}
	return nil
}

func (m *Offer) validate() error        { return requireDestination(KindOffer, m.To) }
func (m *Answer) validate() error       { return requireDestination(KindAnswer, m.To) }
func (m *ICECandidate) validate() error { return requireDestination(KindICECandidate, m.To) }

func requireDestination(k Kind, to domain.ParticipantID) error {
	if to == "" {
		return fmt.Errorf("%w: %s", ErrMissingDestination, k)
	}
	return nil
}
