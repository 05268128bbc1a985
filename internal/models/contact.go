package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// LinkPrecedence marks a contact as the anchor of its group or an alias of it
type LinkPrecedence string

const (
	LinkPrimary   LinkPrecedence = "primary"
	LinkSecondary LinkPrecedence = "secondary"
)

// Contact represents a customer contact in the database
type Contact struct {
	ID             int64          `json:"id"`
	PhoneNumber    *string        `json:"phoneNumber,omitempty"`
	Email          *string        `json:"email,omitempty"`
	LinkedID       *int64         `json:"linkedId,omitempty"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// IsPrimary reports whether the contact anchors its own group.
func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrimary
}

// RootID returns the id of the primary this contact resolves to. ok is false
// for a secondary whose linked id is missing.
func (c *Contact) RootID() (id int64, ok bool) {
	if c.IsPrimary() {
		return c.ID, true
	}
	if c.LinkedID != nil {
		return *c.LinkedID, true
	}
	return 0, false
}

// Before orders contacts by creation time, then id.
func (c *Contact) Before(other *Contact) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

// NewContact holds the fields supplied when inserting a contact
type NewContact struct {
	Email          *string
	PhoneNumber    *string
	LinkedID       *int64
	LinkPrecedence LinkPrecedence
}

// IdentifyRequest represents the incoming request body
type IdentifyRequest struct {
	Email       *string `json:"email"`
	PhoneNumber *string `json:"phoneNumber"`
}

// UnmarshalJSON accepts phoneNumber as either a JSON string or a JSON number.
func (r *IdentifyRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Email       *string         `json:"email"`
		PhoneNumber json.RawMessage `json:"phoneNumber"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Email = raw.Email
	r.PhoneNumber = nil

	phone := bytes.TrimSpace(raw.PhoneNumber)
	if len(phone) == 0 || bytes.Equal(phone, []byte("null")) {
		return nil
	}
	switch phone[0] {
	case '"':
		var s string
		if err := json.Unmarshal(phone, &s); err != nil {
			return err
		}
		r.PhoneNumber = &s
	default:
		var n json.Number
		if err := json.Unmarshal(phone, &n); err != nil {
			return fmt.Errorf("phoneNumber must be a string or number: %w", err)
		}
		s := n.String()
		r.PhoneNumber = &s
	}
	return nil
}

// ContactResponse represents the contact data in the response
type ContactResponse struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse represents the response body
type IdentifyResponse struct {
	Contact ContactResponse `json:"contact"`
}

// ErrorResponse is the body returned for any non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}
