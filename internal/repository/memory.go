package repository

import (
	"context"
	"sort"
	"sync"

	"bitespeed-identity/internal/models"
)

// MemoryRepository holds contacts in memory. Suitable for dev/testing.
type MemoryRepository struct {
	mu       sync.RWMutex
	contacts map[int64]*models.Contact
	nextID   int64
	opts     options
}

// NewMemoryRepository initializes an empty in-memory repository.
func NewMemoryRepository(opts ...Option) *MemoryRepository {
	return &MemoryRepository{
		contacts: make(map[int64]*models.Contact),
		nextID:   1,
		opts:     buildOptions(opts),
	}
}

func copyContact(c *models.Contact) *models.Contact {
	cp := *c
	if c.Email != nil {
		v := *c.Email
		cp.Email = &v
	}
	if c.PhoneNumber != nil {
		v := *c.PhoneNumber
		cp.PhoneNumber = &v
	}
	if c.LinkedID != nil {
		v := *c.LinkedID
		cp.LinkedID = &v
	}
	return &cp
}

// FindMany returns copies of the matching contacts, oldest first.
func (r *MemoryRepository) FindMany(_ context.Context, where Predicate) ([]*models.Contact, error) {
	if where.IsEmpty() {
		return nil, ErrEmptyPredicate
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Contact
	for _, c := range r.contacts {
		if where.Matches(c) {
			out = append(out, copyContact(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Before(out[j])
	})
	return out, nil
}

// Create stores a new contact with the next id.
func (r *MemoryRepository) Create(_ context.Context, nc models.NewContact) (*models.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.now().UTC()
	c := copyContact(&models.Contact{
		ID:             r.nextID,
		Email:          nc.Email,
		PhoneNumber:    nc.PhoneNumber,
		LinkedID:       nc.LinkedID,
		LinkPrecedence: nc.LinkPrecedence,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	r.nextID++
	r.contacts[c.ID] = c
	return copyContact(c), nil
}

// UpdateMany patches every matching contact.
func (r *MemoryRepository) UpdateMany(_ context.Context, where Predicate, set Patch) (int64, error) {
	if err := validateWrites([]Write{{Where: where, Set: set}}); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apply(r.contacts, where, set), nil
}

// Transaction evaluates every write against a snapshot and swaps it in
// only when all writes succeed.
func (r *MemoryRepository) Transaction(_ context.Context, writes []Write) error {
	if err := validateWrites(writes); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[int64]*models.Contact, len(r.contacts))
	for id, c := range r.contacts {
		snapshot[id] = copyContact(c)
	}
	for _, w := range writes {
		r.apply(snapshot, w.Where, w.Set)
	}
	r.contacts = snapshot
	return nil
}

// apply must be called with mu held.
func (r *MemoryRepository) apply(contacts map[int64]*models.Contact, where Predicate, set Patch) int64 {
	now := r.opts.now().UTC()
	var n int64
	for _, c := range contacts {
		if where.Matches(c) {
			set.Apply(c)
			c.UpdatedAt = now
			n++
		}
	}
	return n
}

// Ping always succeeds.
func (r *MemoryRepository) Ping(context.Context) error {
	return nil
}
