package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bitespeed-identity/internal/database"
	"bitespeed-identity/internal/models"
)

const selectContacts = `SELECT id, phone_number, email, linked_id, link_precedence, created_at, updated_at FROM contacts`

// SQLRepository stores contacts in sqlite3 or postgres. Queries use $n
// placeholders numbered in order of appearance, which both drivers accept.
type SQLRepository struct {
	db   *database.DB
	opts options
}

// NewSQLRepository creates a repository over an opened database
func NewSQLRepository(db *database.DB, opts ...Option) *SQLRepository {
	return &SQLRepository{db: db, opts: buildOptions(opts)}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type argList []any

func (a *argList) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

func (a *argList) addIDs(ids []int64) string {
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = a.add(id)
	}
	return strings.Join(placeholders, ", ")
}

func whereClause(where Predicate, args *argList) string {
	var clauses []string
	if where.Email != nil {
		clauses = append(clauses, "email = "+args.add(*where.Email))
	}
	if where.PhoneNumber != nil {
		clauses = append(clauses, "phone_number = "+args.add(*where.PhoneNumber))
	}
	if len(where.IDs) > 0 {
		clauses = append(clauses, "id IN ("+args.addIDs(where.IDs)+")")
	}
	if len(where.LinkedIDs) > 0 {
		clauses = append(clauses, "linked_id IN ("+args.addIDs(where.LinkedIDs)+")")
	}
	return strings.Join(clauses, " OR ")
}

// FindMany returns the matching contacts, oldest first
func (r *SQLRepository) FindMany(ctx context.Context, where Predicate) ([]*models.Contact, error) {
	if where.IsEmpty() {
		return nil, ErrEmptyPredicate
	}

	var args argList
	query := selectContacts + " WHERE " + whereClause(where, &args) + " ORDER BY created_at ASC, id ASC"

	rows, err := r.db.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func scanContact(rows *sql.Rows) (*models.Contact, error) {
	c := &models.Contact{}
	var phone, email sql.NullString
	var linkedID sql.NullInt64
	var precedence string

	if err := rows.Scan(&c.ID, &phone, &email, &linkedID, &precedence, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}

	c.LinkPrecedence = models.LinkPrecedence(precedence)
	if phone.Valid {
		c.PhoneNumber = &phone.String
	}
	if email.Valid {
		c.Email = &email.String
	}
	if linkedID.Valid {
		c.LinkedID = &linkedID.Int64
	}
	return c, nil
}

// Create inserts a contact and returns it with its assigned id
func (r *SQLRepository) Create(ctx context.Context, nc models.NewContact) (*models.Contact, error) {
	query := `INSERT INTO contacts (phone_number, email, linked_id, link_precedence, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	now := r.opts.now().UTC()
	var id int64
	err := r.db.Conn.QueryRowContext(ctx, query,
		nc.PhoneNumber, nc.Email, nc.LinkedID, string(nc.LinkPrecedence), now, now).Scan(&id)
	if err != nil {
		return nil, err
	}

	return &models.Contact{
		ID:             id,
		PhoneNumber:    nc.PhoneNumber,
		Email:          nc.Email,
		LinkedID:       nc.LinkedID,
		LinkPrecedence: nc.LinkPrecedence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// UpdateMany rewrites link fields on every matching contact
func (r *SQLRepository) UpdateMany(ctx context.Context, where Predicate, set Patch) (int64, error) {
	if err := validateWrites([]Write{{Where: where, Set: set}}); err != nil {
		return 0, err
	}
	return r.update(ctx, r.db.Conn, where, set, r.opts.now().UTC())
}

// Transaction applies the writes in one database transaction
func (r *SQLRepository) Transaction(ctx context.Context, writes []Write) (err error) {
	if err := validateWrites(writes); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}

	tx, err := r.db.Conn.BeginTx(ctx, r.txOptions())
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := r.opts.now().UTC()
	for i, w := range writes {
		if _, err = r.update(ctx, tx, w.Where, w.Set, now); err != nil {
			return fmt.Errorf("write %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// sqlite serializes writers on its own and ignores isolation levels.
func (r *SQLRepository) txOptions() *sql.TxOptions {
	if r.db.Driver == database.DriverPostgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}

func (r *SQLRepository) update(ctx context.Context, ex execer, where Predicate, set Patch, now time.Time) (int64, error) {
	var args argList
	var assignments []string
	if set.LinkPrecedence != nil {
		assignments = append(assignments, "link_precedence = "+args.add(string(*set.LinkPrecedence)))
	}
	switch {
	case set.ClearLinkedID:
		assignments = append(assignments, "linked_id = NULL")
	case set.LinkedID != nil:
		assignments = append(assignments, "linked_id = "+args.add(*set.LinkedID))
	}
	assignments = append(assignments, "updated_at = "+args.add(now))

	query := "UPDATE contacts SET " + strings.Join(assignments, ", ") + " WHERE " + whereClause(where, &args)
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping checks the database connection
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
