package domain

import (
	"strings"
	"testing"
)

func TestNormalizeName(t *testing.T) {
	if got := NormalizeName("   "); got != DefaultName {
		t.Fatalf("NormalizeName(blank)=%q, want %q", got, DefaultName)
	}
	long := strings.Repeat("é", MaxNameLen+5)
	if got := NormalizeName(long); len([]rune(got)) != MaxNameLen {
		t.Fatalf("len=%d, want %d", len([]rune(got)), MaxNameLen)
	}
}

func TestMeetingID_ParseAndValid(t *testing.T) {
	id := ParseMeetingID(" abc123")
	if id != "ABC123" {
		t.Fatalf("ParseMeetingID=%q, want ABC123", id)
	}
	if !id.Valid() {
		t.Fatalf("%q should be valid", id)
	}
	for _, bad := range []MeetingID{"", "ABC12", "ABC12!", "ABCDEFG"} {
		if bad.Valid() {
			t.Fatalf("%q should be invalid", bad)
		}
	}
}

func TestParticipant_Set(t *testing.T) {
	p := NewParticipant("a", "alice")
	if err := p.Set(FieldAudio, false); err != nil {
		t.Fatalf("Set audio: %v", err)
	}
	if p.Audio {
		t.Fatalf("audio still enabled")
	}
	if err := p.Set("screen", true); err != ErrUnknownField {
		t.Fatalf("err=%v, want %v", err, ErrUnknownField)
	}
}

func TestNewParticipant_Defaults(t *testing.T) {
	p := NewParticipant("a", "  ")
	if p.Name != DefaultName || !p.Audio || !p.Video {
		t.Fatalf("NewParticipant=%+v, want guest with audio and video", p)
	}
	q := p
	if err := q.Set(FieldAudio, false); err != nil {
		t.Fatalf("Set audio: %v", err)
	}
	if !p.Audio {
		t.Fatalf("copy shares state with original")
	}
}
