package app

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/randutil"
	"github.com/rs/zerolog/log"
)

const maxIDAttempts = 16

var (
	ErrNotFound         = errors.New("meeting not found")
	ErrIDExhausted      = errors.New("meeting id space exhausted")
	ErrAlreadyInSession = errors.New("participant already in a meeting")
)

// IDGenerator produces candidate meeting ids.
type IDGenerator func() (domain.MeetingID, error)

// RandomMeetingID draws a crypto-random id from the meeting alphabet.
func RandomMeetingID() (domain.MeetingID, error) {
	s, err := randutil.GenerateCryptoRandomString(domain.MeetingIDLen, domain.MeetingIDAlphabet)
	if err != nil {
		return "", err
	}
	return domain.MeetingID(s), nil
}

// Registry indexes live meetings and which meeting each participant is in.
// The index lock is held only for map access; per-meeting work is serialized
// by the meeting's own room lock.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[domain.MeetingID]core.RoomService
	members map[domain.ParticipantID]domain.MeetingID

	gen IDGenerator
	now func() time.Time
}

type RegistryOption func(*Registry)

func WithIDGenerator(g IDGenerator) RegistryOption {
	return func(r *Registry) { r.gen = g }
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		rooms:   make(map[domain.MeetingID]core.RoomService),
		members: make(map[domain.ParticipantID]domain.MeetingID),
		gen:     RandomMeetingID,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// CreateSession opens a new meeting with ms as its only member.
func (r *Registry) CreateSession(ms core.MemberSession) (*domain.Meeting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[ms.ID()]; ok {
		return nil, ErrAlreadyInSession
	}

	var id domain.MeetingID
	for attempt := 0; ; attempt++ {
		if attempt == maxIDAttempts {
			return nil, ErrIDExhausted
		}
		cand, err := r.gen()
		if err != nil {
			return nil, err
		}
		cand = domain.ParseMeetingID(string(cand))
		if _, taken := r.rooms[cand]; !taken && cand.Valid() {
			id = cand
			break
		}
		log.Debug().Str("module", "app.registry").Str("candidate", string(cand)).Msg("meeting id collision")
	}

	m := &domain.Meeting{ID: id, CreatedAt: r.now()}
	room := core.NewRoomService(m)
	if _, _, err := room.Add(ms, nil, nil); err != nil {
		return nil, err
	}
	r.rooms[id] = room
	r.members[ms.ID()] = id
	log.Info().Str("module", "app.registry").Str("meeting", string(id)).Str("pid", string(ms.ID())).Msg("meeting created")
	return m, nil
}

// JoinSession adds ms to a live meeting and announces it to the others.
// The returned snapshot holds everyone present before ms joined.
func (r *Registry) JoinSession(id domain.MeetingID, ms core.MemberSession, welcome core.Welcome, announce core.Frame) ([]domain.Participant, core.PublishResult, error) {
	id = domain.ParseMeetingID(string(id))
	r.mu.RLock()
	room, ok := r.rooms[id]
	_, busy := r.members[ms.ID()]
	r.mu.RUnlock()
	if busy {
		return nil, core.PublishResult{}, ErrAlreadyInSession
	}
	if !ok {
		return nil, core.PublishResult{}, ErrNotFound
	}

	existing, res, err := room.Add(ms, welcome, announce)
	if errors.Is(err, core.ErrRoomClosed) {
		return nil, core.PublishResult{}, ErrNotFound
	}
	if err != nil {
		return nil, core.PublishResult{}, err
	}

	r.mu.Lock()
	r.members[ms.ID()] = id
	r.mu.Unlock()
	return existing, res, nil
}

type LeaveResult struct {
	Meeting domain.MeetingID
	Removed bool
	// Ended is set when the leave emptied the meeting.
	Ended   bool
	Publish core.PublishResult
}

// LeaveSession removes pid from its meeting and announces the departure.
// Calling it for a participant not in any meeting is a no-op.
// The meeting is discarded as soon as it has no members.
func (r *Registry) LeaveSession(pid domain.ParticipantID, announce core.Frame) LeaveResult {
	r.mu.Lock()
	id, ok := r.members[pid]
	if ok {
		delete(r.members, pid)
	}
	room := r.rooms[id]
	r.mu.Unlock()
	if !ok || room == nil {
		return LeaveResult{}
	}

	removed, empty, res := room.Remove(pid, announce)
	out := LeaveResult{Meeting: id, Removed: removed, Publish: res}
	if removed && empty {
		r.mu.Lock()
		if r.rooms[id] == room {
			delete(r.rooms, id)
		}
		r.mu.Unlock()
		out.Ended = true
		log.Info().Str("module", "app.registry").Str("meeting", string(id)).Msg("meeting ended")
	}
	return out
}

// SetState records a media toggle and announces it to the other members.
// Unknown participants are ignored.
func (r *Registry) SetState(pid domain.ParticipantID, field domain.MediaField, enabled bool, announce core.Frame) core.PublishResult {
	room, ok := r.roomOf(pid)
	if !ok {
		log.Debug().Str("module", "app.registry").Str("pid", string(pid)).Msg("state change from participant outside any meeting")
		return core.PublishResult{}
	}
	res, err := room.SetState(pid, field, enabled, announce)
	if err != nil {
		log.Debug().Err(err).Str("module", "app.registry").Str("pid", string(pid)).Msg("state change ignored")
	}
	return res
}

// Broadcast delivers data to every member of pid's meeting except pid.
func (r *Registry) Broadcast(pid domain.ParticipantID, data core.Frame) (core.RoomService, core.PublishResult, bool) {
	room, ok := r.roomOf(pid)
	if !ok {
		return nil, core.PublishResult{}, false
	}
	return room, room.Broadcast(pid, data), true
}

// SendTo delivers data to `to` only when it shares a meeting with `from`.
// A nil member means nobody was addressed.
func (r *Registry) SendTo(from, to domain.ParticipantID, data core.Frame) (core.MemberSession, error) {
	r.mu.RLock()
	fromID, ok1 := r.members[from]
	toID, ok2 := r.members[to]
	room := r.rooms[fromID]
	r.mu.RUnlock()
	if !ok1 || !ok2 || fromID != toID || room == nil {
		return nil, nil
	}
	return room.SendTo(to, data)
}

// MeetingView is a read-only copy of one meeting.
type MeetingView struct {
	ID           domain.MeetingID     `json:"id"`
	CreatedAt    time.Time            `json:"created_at"`
	Participants []domain.Participant `json:"participants"`
}

func (r *Registry) Lookup(id domain.MeetingID) (MeetingView, bool) {
	r.mu.RLock()
	room, ok := r.rooms[domain.ParseMeetingID(string(id))]
	r.mu.RUnlock()
	if !ok {
		return MeetingView{}, false
	}
	m := room.Meeting()
	ps := room.Snapshot()
	core.SortParticipants(ps)
	return MeetingView{ID: m.ID, CreatedAt: m.CreatedAt, Participants: ps}, true
}

func (r *Registry) MeetingOf(pid domain.ParticipantID) (domain.MeetingID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.members[pid]
	return id, ok
}

type Stats struct {
	Meetings     int             `json:"meetings"`
	Participants int             `json:"participants"`
	Rooms        []core.RoomInfo `json:"rooms"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Meetings: len(r.rooms), Participants: len(r.members), Rooms: make([]core.RoomInfo, 0, len(r.rooms))}
	for id, room := range r.rooms {
		s.Rooms = append(s.Rooms, core.RoomInfo{ID: id, MemberCount: room.MemberCount()})
	}
	sort.Slice(s.Rooms, func(i, j int) bool { return s.Rooms[i].ID < s.Rooms[j].ID })
	return s
}

func (r *Registry) roomOf(pid domain.ParticipantID) (core.RoomService, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.members[pid]
	if !ok {
		return nil, false
	}
	room, ok := r.rooms[id]
	return room, ok
}
