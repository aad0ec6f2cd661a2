package core

import (
	"errors"

	"github.com/dkeye/Meet/internal/domain"
)

var (
	ErrRoomClosed    = errors.New("room closed")
	ErrUnknownMember = errors.New("unknown member")
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is the core-facing API of one meeting.
// It owns the membership set but never touches transport resources.
// Every mutating call applies the change and fans out its announcement under
// one lock, so two changes to the same meeting never interleave.
type RoomService interface {
	Meeting() *domain.Meeting
	MemberCount() int
	Closed() bool
	Has(id domain.ParticipantID) bool
	Snapshot() []domain.Participant

	// Add returns the members present before ms joined. When welcome is set,
	// its frame reaches ms before anyone else hears about the join.
	Add(ms MemberSession, welcome Welcome, announce Frame) ([]domain.Participant, PublishResult, error)
	// Remove reports whether ms was present and whether the room is now
	// empty. An empty room is closed and rejects further Adds.
	Remove(id domain.ParticipantID, announce Frame) (removed, empty bool, res PublishResult)
	SetState(id domain.ParticipantID, field domain.MediaField, enabled bool, announce Frame) (PublishResult, error)
	Broadcast(from domain.ParticipantID, data Frame) PublishResult
	// SendTo returns the addressed member, or nil when it is not here.
	SendTo(to domain.ParticipantID, data Frame) (MemberSession, error)
}

// Welcome builds the joiner's reply from the members already present.
type Welcome func(existing []domain.Participant) Frame

// RoomInfo is the health summary of one meeting.
type RoomInfo struct {
	ID          domain.MeetingID `json:"id"`
	MemberCount int              `json:"member_count"`
}
