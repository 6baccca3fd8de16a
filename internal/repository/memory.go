package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spec-kit/issue-tracker/internal/domain"
)

// MemoryStore keeps users and tickets in process memory. It backs local runs
// without POSTGRES_DSN and the test suites. Records are copied in and out so
// callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]domain.User
	emails  map[string]string
	tickets map[string]memTicket
	seq     int64
	now     func() time.Time
}

type memTicket struct {
	ticket domain.Ticket
	seq    int64
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]domain.User),
		emails:  make(map[string]string),
		tickets: make(map[string]memTicket),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Users exposes the store as a UserRepository.
func (s *MemoryStore) Users() UserRepository { return memoryUsers{s} }

// Tickets exposes the store as a TicketRepository.
func (s *MemoryStore) Tickets() TicketRepository { return memoryTickets{s} }

type memoryUsers struct{ s *MemoryStore }

func (m memoryUsers) Create(_ context.Context, user *domain.User) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, taken := m.s.emails[user.Email]; taken {
		return ErrDuplicateEmail
	}
	now := m.s.now()
	user.CreatedAt, user.UpdatedAt = now, now
	m.s.users[user.ID] = *user
	m.s.emails[user.Email] = user.ID
	return nil
}

func (m memoryUsers) GetByID(_ context.Context, id string) (*domain.User, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	user, ok := m.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}

func (m memoryUsers) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	id, ok := m.s.emails[email]
	if !ok {
		return nil, ErrNotFound
	}
	user := m.s.users[id]
	return &user, nil
}

func (m memoryUsers) GetByIDs(_ context.Context, ids []string) ([]domain.User, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	result := []domain.User{}
	for _, id := range ids {
		if user, ok := m.s.users[id]; ok {
			result = append(result, user)
		}
	}
	return result, nil
}

func (m memoryUsers) List(_ context.Context) ([]domain.User, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	result := make([]domain.User, 0, len(m.s.users))
	for _, user := range m.s.users {
		result = append(result, user)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

type memoryTickets struct{ s *MemoryStore }

func (m memoryTickets) Create(_ context.Context, ticket *domain.Ticket) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	now := m.s.now()
	ticket.CreatedAt, ticket.UpdatedAt = now, now
	m.s.seq++
	m.s.tickets[ticket.ID] = memTicket{ticket: cloneTicket(*ticket), seq: m.s.seq}
	return nil
}

func (m memoryTickets) Update(_ context.Context, ticket *domain.Ticket) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	stored, ok := m.s.tickets[ticket.ID]
	if !ok {
		return ErrNotFound
	}
	ticket.UpdatedAt = m.s.now()
	// reporter and creation time are never rewritten
	ticket.ReporterID = stored.ticket.ReporterID
	ticket.CreatedAt = stored.ticket.CreatedAt
	stored.ticket = cloneTicket(*ticket)
	m.s.tickets[ticket.ID] = stored
	return nil
}

func (m memoryTickets) Delete(_ context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.tickets[id]; !ok {
		return ErrNotFound
	}
	delete(m.s.tickets, id)
	return nil
}

func (m memoryTickets) GetByID(_ context.Context, id string) (*domain.Ticket, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	stored, ok := m.s.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	ticket := cloneTicket(stored.ticket)
	return &ticket, nil
}

func (m memoryTickets) List(_ context.Context, filter TicketFilter) ([]domain.Ticket, error) {
	m.s.mu.RLock()
	matched := make([]memTicket, 0, len(m.s.tickets))
	for _, stored := range m.s.tickets {
		if filter.Matches(&stored.ticket) {
			matched = append(matched, memTicket{ticket: cloneTicket(stored.ticket), seq: stored.seq})
		}
	}
	m.s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.ticket.CreatedAt.Equal(b.ticket.CreatedAt) {
			return a.ticket.CreatedAt.After(b.ticket.CreatedAt)
		}
		return a.seq > b.seq
	})
	result := make([]domain.Ticket, len(matched))
	for i := range matched {
		result[i] = matched[i].ticket
	}
	return result, nil
}

// Matches evaluates the filter against a single ticket.
func (f TicketFilter) Matches(t *domain.Ticket) bool {
	if f.MatchNone {
		return false
	}
	reporterOK := f.ReporterID == nil || t.ReporterID == *f.ReporterID
	assigneeOK := f.AssignedToID == nil || (t.AssignedToID != nil && *t.AssignedToID == *f.AssignedToID)
	if f.MatchAny && f.ReporterID != nil && f.AssignedToID != nil {
		if !reporterOK && !assigneeOK {
			return false
		}
	} else if !reporterOK || !assigneeOK {
		return false
	}
	return containsValue(f.Statuses, t.Status) &&
		containsValue(f.Categories, t.Category) &&
		containsValue(f.Priorities, t.Priority)
}

// containsValue treats an empty set as "any".
func containsValue[T comparable](set []T, value T) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == value {
			return true
		}
	}
	return false
}

func cloneTicket(t domain.Ticket) domain.Ticket {
	if t.AssignedToID != nil {
		id := *t.AssignedToID
		t.AssignedToID = &id
	}
	return t
}
