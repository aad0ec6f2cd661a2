package core

import "github.com/dkeye/Meet/internal/domain"

// MemberSession binds a participant record and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	ID() domain.ParticipantID
	Meta() *domain.Participant
	Signal() SignalConnection
}
