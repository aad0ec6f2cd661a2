// Package store keeps a durable record of meetings: who joined, who left and
// what was said. It is never consulted for routing decisions.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Meet/internal/domain"
)

var (
	ErrNotFound      = errors.New("meeting document not found")
	ErrUnknownDriver = errors.New("unknown store driver")
)

const (
	DriverNone   = "none"
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

type ParticipantRecord struct {
	ID       domain.ParticipantID `json:"id"`
	Name     string               `json:"name"`
	JoinedAt time.Time            `json:"joined_at"`
	LeftAt   *time.Time           `json:"left_at,omitempty"`
}

type ChatRecord struct {
	From   domain.ParticipantID `json:"from"`
	Name   string               `json:"name"`
	Text   string               `json:"text"`
	Source string               `json:"source,omitempty"`
	SentAt time.Time            `json:"sent_at"`
}

// Document is everything recorded about one meeting.
type Document struct {
	ID           domain.MeetingID    `json:"id"`
	CreatedAt    time.Time           `json:"created_at"`
	EndedAt      *time.Time          `json:"ended_at,omitempty"`
	Participants []ParticipantRecord `json:"participants"`
	Chat         []ChatRecord        `json:"chat"`
}

type Store interface {
	MeetingCreated(ctx context.Context, id domain.MeetingID, at time.Time) error
	ParticipantJoined(ctx context.Context, id domain.MeetingID, p domain.Participant, at time.Time) error
	ParticipantLeft(ctx context.Context, id domain.MeetingID, pid domain.ParticipantID, at time.Time) error
	ChatPosted(ctx context.Context, id domain.MeetingID, c ChatRecord) error
	MeetingEnded(ctx context.Context, id domain.MeetingID, at time.Time) error
	Meeting(ctx context.Context, id domain.MeetingID) (Document, error)
	Close() error
}

// Open returns the store selected by driver. DriverNone yields (nil, nil).
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", DriverNone:
		return nil, nil
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
