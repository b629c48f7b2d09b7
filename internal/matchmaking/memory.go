package matchmaking

import (
	"context"
	"sync"

	"github.com/mossy-p/pairchat/internal/models"
)

// Memory is a Store for a single relay instance.
type Memory struct {
	mu       sync.Mutex
	queue    []string
	partners map[string]string
	rooms    map[string]string
	online   map[string]struct{}
	reports  []models.Report
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		partners: make(map[string]string),
		rooms:    make(map[string]string),
		online:   make(map[string]struct{}),
	}
}

func (m *Memory) Join(_ context.Context, id string) (JoinResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := m.leaveLocked(id)
	m.removeWaitingLocked(id)
	if len(m.queue) == 0 {
		m.queue = append(m.queue, id)
		return JoinResult{Position: len(m.queue), Dropped: dropped}, nil
	}

	partner := m.queue[0]
	m.queue = m.queue[1:]
	room := models.RoomName(id, partner)
	m.partners[id] = partner
	m.partners[partner] = id
	m.rooms[id] = room
	m.rooms[partner] = room
	return JoinResult{Partner: partner, Room: room, Dropped: dropped}, nil
}

func (m *Memory) Partner(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.partners[id], nil
}

func (m *Memory) Leave(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(id), nil
}

func (m *Memory) Disconnect(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeWaitingLocked(id)
	delete(m.online, id)
	return m.leaveLocked(id), nil
}

func (m *Memory) leaveLocked(id string) string {
	partner := m.partners[id]
	delete(m.partners, id)
	delete(m.rooms, id)
	if partner == "" || m.partners[partner] != id {
		return ""
	}
	delete(m.partners, partner)
	delete(m.rooms, partner)
	return partner
}

func (m *Memory) removeWaitingLocked(id string) {
	out := m.queue[:0]
	for _, q := range m.queue {
		if q != id {
			out = append(out, q)
		}
	}
	m.queue = out
}

// SetOnline needs no expiry here: the set dies with the process that fills it.
func (m *Memory) SetOnline(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.online[id] = struct{}{}
	}
	return nil
}

func (m *Memory) OnlineCount(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.online)), nil
}

func (m *Memory) SaveReport(_ context.Context, report models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	if len(m.reports) > maxStoredReports {
		m.reports = m.reports[len(m.reports)-maxStoredReports:]
	}
	return nil
}

func (m *Memory) Reports(_ context.Context, limit int) ([]models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = reportLimit(limit)
	out := make([]models.Report, 0, limit)
	for i := len(m.reports) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.reports[i])
	}
	return out, nil
}
