package core

import (
	"sort"
	"sync"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory meeting.
// It never closes adapter-owned resources.
type roomImpl struct {
	meeting *domain.Meeting
	mu      sync.Mutex
	byID    map[domain.ParticipantID]MemberSession
	order   []domain.ParticipantID
	closed  bool
}

func NewRoomService(meeting *domain.Meeting) RoomService {
	return &roomImpl{
		meeting: meeting,
		byID:    make(map[domain.ParticipantID]MemberSession),
	}
}

func (r *roomImpl) Meeting() *domain.Meeting { return r.meeting }

func (r *roomImpl) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *roomImpl) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *roomImpl) Has(id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[id]
	return ok
}

func (r *roomImpl) Snapshot() []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked("")
}

func (r *roomImpl) Add(ms MemberSession, welcome Welcome, announce Frame) ([]domain.Participant, PublishResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, PublishResult{}, ErrRoomClosed
	}
	id := ms.ID()
	if _, ok := r.byID[id]; !ok {
		r.order = append(r.order, id)
	}
	r.byID[id] = ms
	existing := r.snapshotLocked(id)
	if welcome != nil {
		if err := ms.Signal().TrySend(welcome(existing)); err != nil {
			log.Warn().Err(err).Str("module", "core.room").Str("pid", string(id)).Msg("welcome not delivered")
		}
	}
	res := r.broadcastLocked(id, announce)
	log.Info().Str("module", "core.room").Str("meeting", string(r.meeting.ID)).Str("pid", string(id)).Int("members", len(r.byID)).Msg("member added")
	return existing, res, nil
}

func (r *roomImpl) Remove(id domain.ParticipantID, announce Frame) (bool, bool, PublishResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return false, len(r.byID) == 0, PublishResult{}
	}
	delete(r.byID, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	res := r.broadcastLocked(id, announce)
	empty := len(r.byID) == 0
	if empty {
		r.closed = true
	}
	log.Info().Str("module", "core.room").Str("meeting", string(r.meeting.ID)).Str("pid", string(id)).Bool("empty", empty).Msg("member removed")
	return true, empty, res
}

func (r *roomImpl) SetState(id domain.ParticipantID, field domain.MediaField, enabled bool, announce Frame) (PublishResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.byID[id]
	if !ok {
		return PublishResult{}, ErrUnknownMember
	}
	if err := ms.Meta().Set(field, enabled); err != nil {
		return PublishResult{}, err
	}
	return r.broadcastLocked(id, announce), nil
}

func (r *roomImpl) Broadcast(from domain.ParticipantID, data Frame) PublishResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(from, data)
}

func (r *roomImpl) SendTo(to domain.ParticipantID, data Frame) (MemberSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.byID[to]
	if !ok {
		return nil, nil
	}
	return ms, ms.Signal().TrySend(data)
}

func (r *roomImpl) broadcastLocked(from domain.ParticipantID, data Frame) PublishResult {
	res := PublishResult{}
	if len(data) == 0 {
		return res
	}
	for _, id := range r.order {
		if id == from {
			continue
		}
		m := r.byID[id]
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// snapshotLocked copies every member except skip, in join order.
func (r *roomImpl) snapshotLocked(skip domain.ParticipantID) []domain.Participant {
	out := make([]domain.Participant, 0, len(r.byID))
	for _, id := range r.order {
		if id == skip {
			continue
		}
		out = append(out, *r.byID[id].Meta())
	}
	return out
}

// SortParticipants orders a snapshot by id, for stable output in APIs.
func SortParticipants(ps []domain.Participant) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}
