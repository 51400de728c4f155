package _switch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/webrtc-signaling/backend/model"
	"github.com/rs/zerolog"
)

type (
	// Endpoint is a member's connection as seen by the switch.
	// Send must be bounded in time, any error other than caller's ctx
	// cancellation means the endpoint is dead. Close must not block.
	Endpoint interface {
		Send(ctx context.Context, msg model.Message) error
		Close()
	}

	CandidateStore interface {
		Append(roomID string, candidate model.Candidate)
		List(roomID string) []model.Candidate
		Len(roomID string) int
		Drop(roomID string)
	}

	// Switch is the room registry. It owns room membership and candidate buffers,
	// callers never touch underlying maps.
	Switch struct {
		logger     zerolog.Logger
		mx         *sync.RWMutex
		rooms      map[string]*room
		candidates CandidateStore
	}

	room struct {
		createdAt time.Time
		members   map[string]*member
	}

	member struct {
		ep       Endpoint
		joinedAt time.Time
	}

	target struct {
		clientID string
		ep       Endpoint
	}
)

func NewSwitch(logger *zerolog.Logger, candidates CandidateStore) *Switch {
	return &Switch{
		logger:     logger.With().Str("component", "switch").Logger(),
		mx:         &sync.RWMutex{},
		rooms:      make(map[string]*room),
		candidates: candidates,
	}
}

// Connect registers endpoint under room and client id, creating the room if needed.
// If client id is already present, previous endpoint is replaced and closed.
// Returned candidates are the room's buffer at the moment of admission.
func (sw *Switch) Connect(roomID, clientID string, ep Endpoint) []model.Candidate {
	now := time.Now()

	sw.mx.Lock()
	r, ok := sw.rooms[roomID]
	if !ok {
		r = &room{
			createdAt: now,
			members:   make(map[string]*member),
		}
		sw.rooms[roomID] = r
	}
	prev := r.members[clientID]
	r.members[clientID] = &member{ep: ep, joinedAt: now}
	replay := sw.candidates.List(roomID)
	sw.mx.Unlock()

	logger := sw.logger.With().
		Str("roomID", roomID).
		Str("clientID", clientID).
		Logger()

	if prev != nil && prev.ep != ep {
		prev.ep.Close()
		logger.Debug().Msg("previous endpoint replaced")
	}
	logger.Debug().
		Bool("newRoom", !ok).
		Int("replay", len(replay)).
		Msg("endpoint connected")
	return replay
}

// Disconnect removes member if present. It is idempotent.
// Removing the last member deletes the room together with its candidate buffer.
func (sw *Switch) Disconnect(roomID, clientID string) bool {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	r, ok := sw.rooms[roomID]
	if !ok {
		return false
	}
	m, ok := r.members[clientID]
	if !ok {
		return false
	}
	sw.remove(r, roomID, clientID, m)
	return true
}

// Release removes member only if it is still registered with ep.
// It returns true if client id now belongs to another endpoint.
func (sw *Switch) Release(roomID, clientID string, ep Endpoint) (superseded bool) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	r, ok := sw.rooms[roomID]
	if !ok {
		return false
	}
	m, ok := r.members[clientID]
	if !ok {
		return false
	}
	if m.ep != ep {
		return true
	}
	sw.remove(r, roomID, clientID, m)
	return false
}

// remove must be called with write lock held.
func (sw *Switch) remove(r *room, roomID, clientID string, m *member) {
	delete(r.members, clientID)

	logger := sw.logger.With().
		Str("roomID", roomID).
		Str("clientID", clientID).
		Logger()
	logger.Debug().
		Dur("membership", time.Since(m.joinedAt)).
		Msg("endpoint disconnected")

	if len(r.members) == 0 {
		delete(sw.rooms, roomID)
		sw.candidates.Drop(roomID)
		logger.Debug().
			Dur("lifetime", time.Since(r.createdAt)).
			Msg("room deleted")
	}
}

// Unicast sends message to one member and reports whether it was delivered.
// Member that fails to receive is disconnected.
func (sw *Switch) Unicast(ctx context.Context, msg model.Message, roomID, clientID string) bool {
	sw.mx.RLock()
	var ep Endpoint
	if r, ok := sw.rooms[roomID]; ok {
		if m, okM := r.members[clientID]; okM {
			ep = m.ep
		}
	}
	sw.mx.RUnlock()

	if ep == nil {
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("dst", clientID).
			Str("type", msg.Type).
			Msg("cannot unicast, dst not found")
		return false
	}

	sent, canceled := sw.send(ctx, msg, roomID, target{clientID: clientID, ep: ep})
	if !sent && !canceled {
		sw.drop(roomID, clientID, ep)
	}
	return sent
}

// Broadcast sends message to every member except the excluded one
// and returns number of members that received it.
// Broadcasting to unknown room is a no-op.
func (sw *Switch) Broadcast(ctx context.Context, msg model.Message, roomID, exclude string) int {
	sw.mx.RLock()
	targets := sw.targets(roomID, exclude)
	sw.mx.RUnlock()

	return sw.deliver(ctx, msg, roomID, targets)
}

// RecordCandidate appends candidate to room's buffer.
func (sw *Switch) RecordCandidate(roomID string, candidate model.Candidate) {
	sw.mx.Lock()
	sw.candidates.Append(roomID, candidate)
	sw.mx.Unlock()
}

// BroadcastCandidate records candidate and broadcasts message carrying it.
// Recording and selecting recipients happen atomically with respect to Connect,
// so a joining member gets the candidate either as replay or live, never both.
func (sw *Switch) BroadcastCandidate(ctx context.Context, msg model.Message, roomID, exclude string) int {
	sw.mx.Lock()
	sw.candidates.Append(roomID, msg.Candidate)
	targets := sw.targets(roomID, exclude)
	sw.mx.Unlock()

	return sw.deliver(ctx, msg, roomID, targets)
}

// CandidatesFor returns room's buffer in recording order.
func (sw *Switch) CandidatesFor(roomID string) []model.Candidate {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	return sw.candidates.List(roomID)
}

func (sw *Switch) RoomCount() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	return len(sw.rooms)
}

func (sw *Switch) MemberCount() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	var n int
	for _, r := range sw.rooms {
		n += len(r.members)
	}
	return n
}

// Rooms returns summaries of all rooms ordered by id.
func (sw *Switch) Rooms() []model.RoomSummary {
	sw.mx.RLock()
	out := make([]model.RoomSummary, 0, len(sw.rooms))
	for id, r := range sw.rooms {
		out = append(out, model.RoomSummary{
			ID:         id,
			Members:    len(r.members),
			Candidates: sw.candidates.Len(id),
			CreatedAt:  r.createdAt,
		})
	}
	sw.mx.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// targets must be called with lock held.
func (sw *Switch) targets(roomID, exclude string) []target {
	r, ok := sw.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]target, 0, len(r.members))
	for clientID, m := range r.members {
		if clientID != exclude {
			out = append(out, target{clientID: clientID, ep: m.ep})
		}
	}
	return out
}

// deliver fans message out to targets concurrently, so one slow member
// cannot hold back the others. It returns after every send has finished.
func (sw *Switch) deliver(ctx context.Context, msg model.Message, roomID string, targets []target) int {
	var (
		wg        sync.WaitGroup
		delivered atomic.Int32
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			sent, canceled := sw.send(ctx, msg, roomID, t)
			switch {
			case sent:
				delivered.Add(1)
			case !canceled:
				sw.drop(roomID, t.clientID, t.ep)
			}
		}(t)
	}
	wg.Wait()

	if delivered.Load() == 0 {
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("type", msg.Type).
			Str("src", msg.Sender).
			Msg("broadcast did not reach anyone")
	}
	return int(delivered.Load())
}

func (sw *Switch) send(ctx context.Context, msg model.Message, roomID string, t target) (bool, bool) {
	err := t.ep.Send(ctx, msg)
	if err == nil {
		sw.logger.Trace().
			Str("roomID", roomID).
			Str("dst", t.clientID).
			Str("type", msg.Type).
			Msg("message is forwarded")
		return true, false
	}
	if ctx.Err() != nil {
		return false, true
	}
	sw.logger.Error().Err(err).
		Str("roomID", roomID).
		Str("dst", t.clientID).
		Str("type", msg.Type).
		Msg("dead endpoint")
	return false, false
}

func (sw *Switch) drop(roomID, clientID string, ep Endpoint) {
	sw.Release(roomID, clientID, ep)
	ep.Close()
}
