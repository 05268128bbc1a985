package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bitespeed-identity/internal/database"
	"bitespeed-identity/internal/models"
)

func strPtr(s string) *string { return &s }
func idPtr(id int64) *int64   { return &id }

// fixedClock hands out timestamps one second apart, or the same timestamp
// when step is zero.
type fixedClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

func newClock(step time.Duration) *fixedClock {
	return &fixedClock{t: time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC), step: step}
}

type repoFactory func(t *testing.T, opts ...Option) Repository

func memoryFactory(t *testing.T, opts ...Option) Repository {
	return NewMemoryRepository(opts...)
}

func sqliteFactory(t *testing.T, opts ...Option) Repository {
	db, err := database.New(context.Background(), database.DriverSQLite, ":memory:", database.Options{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLRepository(db, opts...)
}

func forEachRepository(t *testing.T, fn func(t *testing.T, newRepo repoFactory)) {
	t.Run("memory", func(t *testing.T) { fn(t, memoryFactory) })
	t.Run("sqlite", func(t *testing.T) { fn(t, sqliteFactory) })
}

func ids(contacts []*models.Contact) []int64 {
	out := make([]int64, len(contacts))
	for i, c := range contacts {
		out[i] = c.ID
	}
	return out
}

func TestRepository_CreateAndFind(t *testing.T) {
	forEachRepository(t, func(t *testing.T, newRepo repoFactory) {
		ctx := context.Background()
		repo := newRepo(t, WithClock(newClock(time.Second).now))

		primary, err := repo.Create(ctx, models.NewContact{
			Email:          strPtr("lorraine@hillvalley.edu"),
			PhoneNumber:    strPtr("123456"),
			LinkPrecedence: models.LinkPrimary,
		})
		require.NoError(t, err)
		assert.NotZero(t, primary.ID)
		assert.Nil(t, primary.LinkedID)

		secondary, err := repo.Create(ctx, models.NewContact{
			Email:          strPtr("mcfly@hillvalley.edu"),
			PhoneNumber:    strPtr("123456"),
			LinkedID:       idPtr(primary.ID),
			LinkPrecedence: models.LinkSecondary,
		})
		require.NoError(t, err)
		assert.Greater(t, secondary.ID, primary.ID)

		found, err := repo.FindMany(ctx, Predicate{PhoneNumber: strPtr("123456")})
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.Equal(t, []int64{primary.ID, secondary.ID}, ids(found))
		assert.Equal(t, models.LinkSecondary, found[1].LinkPrecedence)
		require.NotNil(t, found[1].LinkedID)
		assert.Equal(t, primary.ID, *found[1].LinkedID)
		assert.True(t, found[0].CreatedAt.Before(found[1].CreatedAt))

		byEmail, err := repo.FindMany(ctx, Predicate{Email: strPtr("mcfly@hillvalley.edu")})
		require.NoError(t, err)
		assert.Equal(t, []int64{secondary.ID}, ids(byEmail))

		group, err := repo.FindMany(ctx, Group(primary.ID))
		require.NoError(t, err)
		assert.Equal(t, []int64{primary.ID, secondary.ID}, ids(group))
	})
}

func TestRepository_NullAttributesNeverMatch(t *testing.T) {
	forEachRepository(t, func(t *testing.T, newRepo repoFactory) {
		ctx := context.Background()
		repo := newRepo(t)

		_, err := repo.Create(ctx, models.NewContact{PhoneNumber: strPtr("555"), LinkPrecedence: models.LinkPrimary})
		require.NoError(t, err)

		found, err := repo.FindMany(ctx, Predicate{Email: strPtr("")})
		require.NoError(t, err)
		assert.Empty(t, found)
	})
}

func TestRepository_OrderingTieBreaksOnID(t *testing.T) {
	forEachRepository(t, func(t *testing.T, newRepo repoFactory) {
		ctx := context.Background()
		repo := newRepo(t, WithClock(newClock(0).now))

		var created []int64
		for i := 0; i < 3; i++ {
			c, err := repo.Create(ctx, models.NewContact{Email: strPtr("same@x.io"), LinkPrecedence: models.LinkPrimary})
			require.NoError(t, err)
			created = append(created, c.ID)
		}

		found, err := repo.FindMany(ctx, Predicate{Email: strPtr("same@x.io")})
		require.NoError(t, err)
		assert.Equal(t, created, ids(found))
	})
}

func TestRepository_TransactionDemotesAndRelinks(t *testing.T) {
	forEachRepository(t, func(t *testing.T, newRepo repoFactory) {
		ctx := context.Background()
		repo := newRepo(t, WithClock(newClock(time.Second).now))

		anchor, err := repo.Create(ctx, models.NewContact{Email: strPtr("a@x.io"), LinkPrecedence: models.LinkPrimary})
		require.NoError(t, err)
		loser, err := repo.Create(ctx, models.NewContact{Email: strPtr("b@x.io"), LinkPrecedence: models.LinkPrimary})
		require.NoError(t, err)
		child, err := repo.Create(ctx, models.NewContact{
			PhoneNumber: strPtr("42"), LinkedID: idPtr(loser.ID), LinkPrecedence: models.LinkSecondary,
		})
		require.NoError(t, err)

		err = repo.Transaction(ctx, []Write{
			{Where: Predicate{IDs: []int64{loser.ID}}, Set: Demote(anchor.ID)},
			{Where: Predicate{LinkedIDs: []int64{loser.ID}}, Set: Relink(anchor.ID)},
		})
		require.NoError(t, err)

		group, err := repo.FindMany(ctx, Group(anchor.ID))
		require.NoError(t, err)
		assert.Equal(t, []int64{anchor.ID, loser.ID, child.ID}, ids(group))
		for _, c := range group[1:] {
			assert.Equal(t, models.LinkSecondary, c.LinkPrecedence)
			require.NotNil(t, c.LinkedID)
			assert.Equal(t, anchor.ID, *c.LinkedID)
		}
	})
}

func TestRepository_UpdateManyPromote(t *testing.T) {
	forEachRepository(t, func(t *testing.T, newRepo repoFactory) {
		ctx := context.Background()
		repo := newRepo(t)

		orphan, err := repo.Create(ctx, models.NewContact{
			Email: strPtr("o@x.io"), LinkedID: idPtr(999), LinkPrecedence: models.LinkSecondary,
		})
		require.NoError(t, err)

		n, err := repo.UpdateMany(ctx, Predicate{IDs: []int64{orphan.ID}}, Promote())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		found, err := repo.FindMany(ctx, Predicate{IDs: []int64{orphan.ID}})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, models.LinkPrimary, found[0].LinkPrecedence)
		assert.Nil(t, found[0].LinkedID)
	})
}

func TestRepository_RejectsEmptyPredicateAndPatch(t *testing.T) {
	forEachRepository(t, func(t *testing.T, newRepo repoFactory) {
		ctx := context.Background()
		repo := newRepo(t)

		_, err := repo.FindMany(ctx, Predicate{})
		assert.ErrorIs(t, err, ErrEmptyPredicate)

		_, err = repo.UpdateMany(ctx, Predicate{}, Promote())
		assert.ErrorIs(t, err, ErrEmptyPredicate)

		_, err = repo.UpdateMany(ctx, Predicate{IDs: []int64{1}}, Patch{})
		assert.ErrorIs(t, err, ErrEmptyPatch)

		err = repo.Transaction(ctx, []Write{{Where: Predicate{IDs: []int64{1}}}})
		assert.ErrorIs(t, err, ErrEmptyPatch)

		assert.NoError(t, repo.Transaction(ctx, nil))
		assert.NoError(t, repo.Ping(ctx))
	})
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	c, err := repo.Create(ctx, models.NewContact{Email: strPtr("a@x.io"), LinkPrecedence: models.LinkPrimary})
	require.NoError(t, err)
	*c.Email = "mutated@x.io"
	c.LinkPrecedence = models.LinkSecondary

	found, err := repo.FindMany(ctx, Predicate{IDs: []int64{c.ID}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "a@x.io", *found[0].Email)
	assert.Equal(t, models.LinkPrimary, found[0].LinkPrecedence)
}

func TestPredicate_Matches(t *testing.T) {
	linked := int64(7)
	c := &models.Contact{ID: 3, Email: strPtr("a@x.io"), LinkedID: &linked}

	assert.True(t, Predicate{Email: strPtr("a@x.io")}.Matches(c))
	assert.False(t, Predicate{PhoneNumber: strPtr("1")}.Matches(c))
	assert.True(t, Predicate{PhoneNumber: strPtr("1"), IDs: []int64{3}}.Matches(c))
	assert.True(t, Predicate{LinkedIDs: []int64{7}}.Matches(c))
	assert.False(t, Predicate{LinkedIDs: []int64{3}}.Matches(c))
}
