package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"bitespeed-identity/internal/metrics"
	"bitespeed-identity/internal/models"
	"bitespeed-identity/internal/repository"
)

// ErrMissingContactInfo is returned when neither email nor phoneNumber is supplied.
var ErrMissingContactInfo = errors.New("either email or phoneNumber must be provided")

// Options tunes reconciliation policy
type Options struct {
	// AliasAfterMerge records an attribute absent from every member of a
	// freshly merged group instead of dropping it.
	AliasAfterMerge bool
}

// ReconciliationService handles identity reconciliation logic
type ReconciliationService struct {
	repo    repository.Repository
	metrics *metrics.Metrics
	log     *zap.Logger
	opts    Options
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(repo repository.Repository, m *metrics.Metrics, log *zap.Logger, opts Options) *ReconciliationService {
	return &ReconciliationService{repo: repo, metrics: m, log: log, opts: opts}
}

// Identify resolves the request to its identity group, merging groups and
// recording new aliases as needed, and returns the consolidated view.
func (s *ReconciliationService) Identify(ctx context.Context, req models.IdentifyRequest) (resp *models.IdentifyResponse, err error) {
	start := time.Now()
	defer func() {
		switch {
		case errors.Is(err, ErrMissingContactInfo):
			s.metrics.ObserveIdentify(start, metrics.OutcomeInvalid)
		case err != nil:
			s.metrics.ObserveIdentify(start, metrics.OutcomeError)
		default:
			s.metrics.ObserveIdentify(start, metrics.OutcomeOK)
		}
	}()

	email, phone := normalize(req.Email), normalize(req.PhoneNumber)
	if email == nil && phone == nil {
		return nil, ErrMissingContactInfo
	}

	matches, err := s.repo.FindMany(ctx, repository.Predicate{Email: email, PhoneNumber: phone})
	if err != nil {
		return nil, fmt.Errorf("discover contacts: %w", err)
	}

	if len(matches) == 0 {
		primary, err := s.create(ctx, models.NewContact{
			Email:          email,
			PhoneNumber:    phone,
			LinkPrecedence: models.LinkPrimary,
		})
		if err != nil {
			return nil, fmt.Errorf("create primary contact: %w", err)
		}
		return buildResponse(primary.ID, []*models.Contact{primary}), nil
	}

	roots := rootPrimaryIDs(matches)
	anchor, rootRecords, err := s.selectAnchor(ctx, roots, matches)
	if err != nil {
		return nil, fmt.Errorf("select anchor: %w", err)
	}

	losers := make([]int64, 0, len(rootRecords))
	for _, c := range rootRecords {
		if c.ID != anchor.ID {
			losers = append(losers, c.ID)
		}
	}
	mergeHappened := len(losers) > 0
	if mergeHappened {
		if err := s.merge(ctx, anchor.ID, losers); err != nil {
			return nil, fmt.Errorf("merge groups: %w", err)
		}
	}

	group, err := s.repo.FindMany(ctx, repository.Group(anchor.ID))
	if err != nil {
		return nil, fmt.Errorf("load group: %w", err)
	}

	if alias, ok := s.newAlias(group, anchor.ID, email, phone, mergeHappened); ok {
		if _, err := s.create(ctx, alias); err != nil {
			return nil, fmt.Errorf("insert alias: %w", err)
		}
		group, err = s.repo.FindMany(ctx, repository.Group(anchor.ID))
		if err != nil {
			return nil, fmt.Errorf("load group: %w", err)
		}
	}

	return buildResponse(anchor.ID, group), nil
}

// normalize treats an empty string the same as an absent value.
func normalize(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	s := *v
	return &s
}

// rootPrimaryIDs returns the distinct primary ids the contacts resolve to,
// in order of first appearance.
func rootPrimaryIDs(contacts []*models.Contact) []int64 {
	seen := make(map[int64]bool)
	var roots []int64
	for _, c := range contacts {
		id, ok := c.RootID()
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		roots = append(roots, id)
	}
	return roots
}

// selectAnchor picks the oldest root primary. When no root resolves, the
// oldest discovered contact is promoted in its place.
func (s *ReconciliationService) selectAnchor(ctx context.Context, roots []int64, matches []*models.Contact) (*models.Contact, []*models.Contact, error) {
	var rootRecords []*models.Contact
	if len(roots) > 0 {
		var err error
		rootRecords, err = s.repo.FindMany(ctx, repository.Predicate{IDs: roots})
		if err != nil {
			return nil, nil, err
		}
	}
	if len(rootRecords) > 0 {
		anchor := rootRecords[0]
		s.log.Debug("Selected anchor",
			zap.Int64("anchor_id", anchor.ID),
			zap.Int64s("root_ids", roots),
			zap.Int("matches", len(matches)))
		return anchor, rootRecords, nil
	}

	anchor := matches[0]
	if !anchor.IsPrimary() || anchor.LinkedID != nil {
		if _, err := s.repo.UpdateMany(ctx, repository.Predicate{IDs: []int64{anchor.ID}}, repository.Promote()); err != nil {
			return nil, nil, err
		}
		repository.Promote().Apply(anchor)
		s.log.Warn("Promoted contact with unresolvable primary",
			zap.Int64("contact_id", anchor.ID),
			zap.Int64s("root_ids", roots))
	}
	return anchor, nil, nil
}

// merge demotes the losing primaries under the anchor and re-points their
// secondaries, in one transaction.
func (s *ReconciliationService) merge(ctx context.Context, anchorID int64, losers []int64) error {
	err := s.repo.Transaction(ctx, []repository.Write{
		{Where: repository.Predicate{IDs: losers}, Set: repository.Demote(anchorID)},
		{Where: repository.Predicate{LinkedIDs: losers}, Set: repository.Relink(anchorID)},
	})
	if err != nil {
		return err
	}

	s.metrics.RecordMerge(len(losers))
	s.log.Info("Merged identity groups",
		zap.Int64("anchor_id", anchorID),
		zap.Int64s("demoted_ids", losers))
	return nil
}

// newAlias decides whether the request contributes an attribute the group
// has not seen, returning the secondary to insert.
func (s *ReconciliationService) newAlias(group []*models.Contact, anchorID int64, email, phone *string, mergeHappened bool) (models.NewContact, bool) {
	if mergeHappened && !s.opts.AliasAfterMerge {
		return models.NewContact{}, false
	}

	newEmail := email != nil
	newPhone := phone != nil
	for _, c := range group {
		if equal(c.Email, email) && equal(c.PhoneNumber, phone) {
			return models.NewContact{}, false
		}
		if email != nil && equal(c.Email, email) {
			newEmail = false
		}
		if phone != nil && equal(c.PhoneNumber, phone) {
			newPhone = false
		}
	}
	if !newEmail && !newPhone {
		return models.NewContact{}, false
	}

	return models.NewContact{
		Email:          email,
		PhoneNumber:    phone,
		LinkedID:       &anchorID,
		LinkPrecedence: models.LinkSecondary,
	}, true
}

func equal(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *ReconciliationService) create(ctx context.Context, nc models.NewContact) (*models.Contact, error) {
	c, err := s.repo.Create(ctx, nc)
	if err != nil {
		return nil, err
	}

	s.metrics.IncrementContactsCreated(c.LinkPrecedence)
	fields := []zap.Field{
		zap.Int64("contact_id", c.ID),
		zap.String("link_precedence", string(c.LinkPrecedence)),
	}
	if c.LinkedID != nil {
		fields = append(fields, zap.Int64("linked_id", *c.LinkedID))
	}
	s.log.Info("Created contact", fields...)
	return c, nil
}

// buildResponse aggregates the group into sorted, de-duplicated lists.
func buildResponse(primaryID int64, group []*models.Contact) *models.IdentifyResponse {
	emails := []string{}
	phoneNumbers := []string{}
	secondaryContactIDs := []int64{}
	emailSet := make(map[string]bool)
	phoneSet := make(map[string]bool)

	for _, c := range group {
		if c.Email != nil && *c.Email != "" && !emailSet[*c.Email] {
			emailSet[*c.Email] = true
			emails = append(emails, *c.Email)
		}
		if c.PhoneNumber != nil && *c.PhoneNumber != "" && !phoneSet[*c.PhoneNumber] {
			phoneSet[*c.PhoneNumber] = true
			phoneNumbers = append(phoneNumbers, *c.PhoneNumber)
		}
		if c.ID != primaryID {
			secondaryContactIDs = append(secondaryContactIDs, c.ID)
		}
	}

	sort.Strings(emails)
	sort.Strings(phoneNumbers)
	sort.Slice(secondaryContactIDs, func(i, j int) bool {
		return secondaryContactIDs[i] < secondaryContactIDs[j]
	})

	return &models.IdentifyResponse{
		Contact: models.ContactResponse{
			PrimaryContactID:    primaryID,
			Emails:              emails,
			PhoneNumbers:        phoneNumbers,
			SecondaryContactIDs: secondaryContactIDs,
		},
	}
}
