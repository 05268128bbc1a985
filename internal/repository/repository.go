// Package repository is the storage contract the reconciliation engine runs
// against, with a SQL implementation (sqlite3 or postgres) and an in-memory one.
package repository

import (
	"context"
	"errors"

	"bitespeed-identity/internal/models"
)

var (
	// ErrEmptyPredicate is returned instead of matching every contact.
	ErrEmptyPredicate = errors.New("repository: predicate has no clauses")
	// ErrEmptyPatch is returned for an update that would change nothing.
	ErrEmptyPatch = errors.New("repository: patch sets no fields")
)

// Predicate matches a contact when ANY populated clause matches.
type Predicate struct {
	Email       *string
	PhoneNumber *string
	IDs         []int64
	LinkedIDs   []int64
}

// IsEmpty reports whether the predicate has no clauses.
func (p Predicate) IsEmpty() bool {
	return p.Email == nil && p.PhoneNumber == nil && len(p.IDs) == 0 && len(p.LinkedIDs) == 0
}

// Matches evaluates the predicate against a single contact.
func (p Predicate) Matches(c *models.Contact) bool {
	if p.Email != nil && c.Email != nil && *c.Email == *p.Email {
		return true
	}
	if p.PhoneNumber != nil && c.PhoneNumber != nil && *c.PhoneNumber == *p.PhoneNumber {
		return true
	}
	for _, id := range p.IDs {
		if c.ID == id {
			return true
		}
	}
	if c.LinkedID != nil {
		for _, id := range p.LinkedIDs {
			if *c.LinkedID == id {
				return true
			}
		}
	}
	return false
}

// Group matches a primary and every contact linked to it.
func Group(primaryID int64) Predicate {
	return Predicate{IDs: []int64{primaryID}, LinkedIDs: []int64{primaryID}}
}

// Patch lists the link fields an update rewrites. ClearLinkedID wins over LinkedID.
type Patch struct {
	LinkPrecedence *models.LinkPrecedence
	LinkedID       *int64
	ClearLinkedID  bool
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.LinkPrecedence == nil && p.LinkedID == nil && !p.ClearLinkedID
}

// Apply writes the patch onto c.
func (p Patch) Apply(c *models.Contact) {
	if p.LinkPrecedence != nil {
		c.LinkPrecedence = *p.LinkPrecedence
	}
	switch {
	case p.ClearLinkedID:
		c.LinkedID = nil
	case p.LinkedID != nil:
		id := *p.LinkedID
		c.LinkedID = &id
	}
}

// Demote turns a contact into a secondary of primaryID.
func Demote(primaryID int64) Patch {
	precedence := models.LinkSecondary
	return Patch{LinkPrecedence: &precedence, LinkedID: &primaryID}
}

// Relink points a contact at primaryID without touching its precedence.
func Relink(primaryID int64) Patch {
	return Patch{LinkedID: &primaryID}
}

// Promote makes a contact a primary with no link.
func Promote() Patch {
	precedence := models.LinkPrimary
	return Patch{LinkPrecedence: &precedence, ClearLinkedID: true}
}

// Write is a single bulk update intent executed inside a Transaction.
type Write struct {
	Where Predicate
	Set   Patch
}

// Repository reads and writes contacts. FindMany always returns contacts
// ordered by (created_at, id) ascending.
type Repository interface {
	FindMany(ctx context.Context, where Predicate) ([]*models.Contact, error)
	Create(ctx context.Context, contact models.NewContact) (*models.Contact, error)
	UpdateMany(ctx context.Context, where Predicate, set Patch) (int64, error)
	// Transaction applies every write atomically: all of them or none.
	Transaction(ctx context.Context, writes []Write) error
	Ping(ctx context.Context) error
}

func validateWrites(writes []Write) error {
	for _, w := range writes {
		if w.Where.IsEmpty() {
			return ErrEmptyPredicate
		}
		if w.Set.IsEmpty() {
			return ErrEmptyPatch
		}
	}
	return nil
}
