package memory

import (
	"sync"

	"github.com/adwski/webrtc-signaling/backend/model"
)

// CandidateStore keeps candidates recorded per room in recording order.
// Entries are never mutated, only appended and dropped together with the room.
type CandidateStore struct {
	mx *sync.Mutex
	db map[string][]model.Candidate
}

func NewCandidateStore() *CandidateStore {
	return &CandidateStore{
		mx: &sync.Mutex{},
		db: make(map[string][]model.Candidate),
	}
}

func (cs *CandidateStore) Append(roomID string, candidate model.Candidate) {
	cs.mx.Lock()
	defer cs.mx.Unlock()

	cs.db[roomID] = append(cs.db[roomID], candidate)
}

// List returns copy of room's buffer, nil if nothing was recorded.
func (cs *CandidateStore) List(roomID string) []model.Candidate {
	cs.mx.Lock()
	defer cs.mx.Unlock()

	buf, ok := cs.db[roomID]
	if !ok {
		return nil
	}
	out := make([]model.Candidate, len(buf))
	copy(out, buf)
	return out
}

func (cs *CandidateStore) Len(roomID string) int {
	cs.mx.Lock()
	defer cs.mx.Unlock()

	return len(cs.db[roomID])
}

func (cs *CandidateStore) Drop(roomID string) {
	cs.mx.Lock()
	defer cs.mx.Unlock()

	delete(cs.db, roomID)
}
