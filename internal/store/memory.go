package store

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/domain"
)

type Memory struct {
	mu   sync.RWMutex
	docs map[domain.MeetingID]*Document
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[domain.MeetingID]*Document)}
}

func (m *Memory) MeetingCreated(_ context.Context, id domain.MeetingID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id] = &Document{ID: id, CreatedAt: at}
	return nil
}

func (m *Memory) ParticipantJoined(_ context.Context, id domain.MeetingID, p domain.Participant, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	d.Participants = append(d.Participants, ParticipantRecord{ID: p.ID, Name: p.Name, JoinedAt: at})
	return nil
}

func (m *Memory) ParticipantLeft(_ context.Context, id domain.MeetingID, pid domain.ParticipantID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	for i := range d.Participants {
		if d.Participants[i].ID == pid && d.Participants[i].LeftAt == nil {
			left := at
			d.Participants[i].LeftAt = &left
		}
	}
	return nil
}

func (m *Memory) ChatPosted(_ context.Context, id domain.MeetingID, c ChatRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	d.Chat = append(d.Chat, c)
	return nil
}

func (m *Memory) MeetingEnded(_ context.Context, id domain.MeetingID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	ended := at
	d.EndedAt = &ended
	return nil
}

func (m *Memory) Meeting(_ context.Context, id domain.MeetingID) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	out := *d
	out.Participants = append([]ParticipantRecord(nil), d.Participants...)
	out.Chat = append([]ChatRecord(nil), d.Chat...)
	return out, nil
}

func (m *Memory) Close() error { return nil }
