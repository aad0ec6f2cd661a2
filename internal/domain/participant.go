// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxNameLen          = 36
	DefaultName         = "guest"
)

var ErrUnknownField = errors.New("unknown media field")

type ParticipantID string

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// MediaField names one of the per-participant published flags.
type MediaField string

const (
	FieldAudio MediaField = "audio"
	FieldVideo MediaField = "video"
)

func (f MediaField) Valid() bool {
	return f == FieldAudio || f == FieldVideo
}

// Participant is the published state of one connected user.
// The owning meeting is tracked by the registry, not here.
type Participant struct {
	ID    ParticipantID `json:"id"`
	Name  string        `json:"name"`
	Audio bool          `json:"audio"`
	Video bool          `json:"video"`
}

// NewParticipant returns a participant with both media flags on.
func NewParticipant(id ParticipantID, name string) Participant {
	return Participant{ID: id, Name: NormalizeName(name), Audio: true, Video: true}
}

// Set mutates a media flag.
func (p *Participant) Set(field MediaField, enabled bool) error {
	switch field {
	case FieldAudio:
		p.Audio = enabled
	case FieldVideo:
		p.Video = enabled
	default:
		return ErrUnknownField
	}
	return nil
}

// NormalizeName trims the display name, falls back to DefaultName and caps
// it at MaxNameLen runes.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultName
	}
	if utf8.RuneCountInString(name) > MaxNameLen {
		name = string([]rune(name)[:MaxNameLen])
	}
	return name
}
