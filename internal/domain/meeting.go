package domain

import (
	"strings"
	"time"
)

const (
	MeetingIDLen      = 6
	MeetingIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

type MeetingID string

// ParseMeetingID normalizes a user supplied id. Ids are case-insensitive.
func ParseMeetingID(s string) MeetingID {
	return MeetingID(strings.ToUpper(strings.TrimSpace(s)))
}

// Valid reports whether id has the shape produced by the generator.
func (id MeetingID) Valid() bool {
	if len(id) != MeetingIDLen {
		return false
	}
	for _, r := range string(id) {
		if !strings.ContainsRune(MeetingIDAlphabet, r) {
			return false
		}
	}
	return true
}

type Meeting struct {
	ID        MeetingID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}
