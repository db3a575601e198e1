package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func createTestResource(t *testing.T, store Store, name string, kind domain.ResourceKind) *domain.Resource {
	t.Helper()
	r, err := domain.NewResource(name, kind, "", "shop", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.CreateResource(context.Background(), r))
	return r
}

// =============================================================================
// Setup Tests
// =============================================================================

func TestNewSQLiteStore_FileDatabase(t *testing.T) {
	path := t.TempDir() + "/dockyard.db"

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	createTestResource(t, s, "shop_pgdata", domain.ResourceKindVolume)
	require.NoError(t, s.Close())

	// Records persist across reopen, and migrations are idempotent
	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	r, err := s.GetResource(context.Background(), "shop_pgdata")
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceKindVolume, r.Kind)
}

// =============================================================================
// Resource CRUD Tests
// =============================================================================

func TestCreateResource_AndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created := createTestResource(t, store, "shop_pgdata", domain.ResourceKindVolume)
	assert.NotZero(t, created.ID)

	got, err := store.GetResource(ctx, "shop_pgdata")
	require.NoError(t, err)
	assert.Equal(t, created.ReferenceID, got.ReferenceID)
	assert.Equal(t, "local", got.Driver)
	assert.Equal(t, "shop", got.Project)
	assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestCreateResource_NameUniqueAcrossKinds(t *testing.T) {
	store := setupTestStore(t)
	createTestResource(t, store, "shared", domain.ResourceKindVolume)

	dup, err := domain.NewResource("shared", domain.ResourceKindNetwork, "", "shop", time.Now())
	require.NoError(t, err)

	err = store.CreateResource(context.Background(), dup)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestGetResource_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetResource(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "GetResource", storeErr.Op)
}

func TestUpdateResource(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	r := createTestResource(t, store, "shop_default", domain.ResourceKindNetwork)
	r.DockerID = "abc123"
	r.UpdatedAt = time.Now()
	require.NoError(t, store.UpdateResource(ctx, r))

	got, err := store.GetResource(ctx, "shop_default")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.DockerID)

	missing := &domain.Resource{Name: "nope"}
	assert.ErrorIs(t, store.UpdateResource(ctx, missing), ErrNotFound)
}

func TestDeleteResource(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestResource(t, store, "shop_pgdata", domain.ResourceKindVolume)
	require.NoError(t, store.DeleteResource(ctx, "shop_pgdata"))

	_, err := store.GetResource(ctx, "shop_pgdata")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteResource(ctx, "shop_pgdata"), ErrNotFound)
}

func TestListResources_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestResource(t, store, "shop_pgdata", domain.ResourceKindVolume)
	createTestResource(t, store, "shop_default", domain.ResourceKindNetwork)
	other, err := domain.NewResource("blog_data", domain.ResourceKindVolume, "", "blog", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.CreateResource(ctx, other))

	all, err := store.ListResources(ctx, ResourceFilter{}, DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "blog_data", all[0].Name, "sorted by name")

	shop, err := store.ListResources(ctx, ResourceFilter{Project: "shop"}, DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, shop, 2)

	volumes, err := store.ListResources(ctx, ResourceFilter{Project: "shop", Kind: domain.ResourceKindVolume}, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, volumes, 1)
	assert.Equal(t, "shop_pgdata", volumes[0].Name)

	paged, err := store.ListResources(ctx, ResourceFilter{}, ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "shop_default", paged[0].Name)
}

// =============================================================================
// Resource Reference Tests
// =============================================================================

func TestResourceRefs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestResource(t, store, "shop_pgdata", domain.ResourceKindVolume)

	ref := domain.ResourceRef{Resource: "shop_pgdata", Project: "shop", Service: "db", CreatedAt: time.Now()}
	require.NoError(t, store.AddResourceRef(ctx, ref))
	require.NoError(t, store.AddResourceRef(ctx, ref), "adding the same reference twice is a no-op")
	require.NoError(t, store.AddResourceRef(ctx, domain.ResourceRef{Resource: "shop_pgdata", Project: "shop", Service: "backup", CreatedAt: time.Now()}))

	count, err := store.CountResourceRefs(ctx, "shop_pgdata")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	refs, err := store.ListResourceRefs(ctx, "shop_pgdata")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "backup", refs[0].Service)

	require.NoError(t, store.RemoveResourceRef(ctx, "shop_pgdata", "shop", "backup"))
	count, err = store.CountResourceRefs(ctx, "shop_pgdata")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAddResourceRef_UnknownResource(t *testing.T) {
	store := setupTestStore(t)

	err := store.AddResourceRef(context.Background(), domain.ResourceRef{Resource: "missing", Project: "shop", Service: "db"})
	assert.ErrorIs(t, err, ErrForeignKey)
}

func TestRemoveServiceRefs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestResource(t, store, "shop_pgdata", domain.ResourceKindVolume)
	createTestResource(t, store, "shop_default", domain.ResourceKindNetwork)

	for _, name := range []string{"shop_pgdata", "shop_default"} {
		require.NoError(t, store.AddResourceRef(ctx, domain.ResourceRef{Resource: name, Project: "shop", Service: "db", CreatedAt: time.Now()}))
	}
	require.NoError(t, store.AddResourceRef(ctx, domain.ResourceRef{Resource: "shop_default", Project: "shop", Service: "web", CreatedAt: time.Now()}))

	require.NoError(t, store.RemoveServiceRefs(ctx, "shop", "db"))

	count, err := store.CountResourceRefs(ctx, "shop_pgdata")
	require.NoError(t, err)
	assert.Zero(t, count)
	count, err = store.CountResourceRefs(ctx, "shop_default")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeleteResource_CascadesRefs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestResource(t, store, "shop_pgdata", domain.ResourceKindVolume)
	require.NoError(t, store.AddResourceRef(ctx, domain.ResourceRef{Resource: "shop_pgdata", Project: "shop", Service: "db", CreatedAt: time.Now()}))

	require.NoError(t, store.DeleteResource(ctx, "shop_pgdata"))

	count, err := store.CountResourceRefs(ctx, "shop_pgdata")
	require.NoError(t, err)
	assert.Zero(t, count)
}

// =============================================================================
// Service Event Tests
// =============================================================================

func TestServiceEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	transitions := []struct {
		service  string
		from, to lifecycle.State
		err      error
	}{
		{"db", lifecycle.StatePending, lifecycle.StateResourcing, nil},
		{"db", lifecycle.StateResourcing, lifecycle.StateLaunching, nil},
		{"web", lifecycle.StatePending, lifecycle.StateFailed, errors.New("dependency failed")},
	}
	for i, tr := range transitions {
		e := domain.NewServiceEvent("shop", tr.service, tr.from, tr.to, 1, tr.err, at.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.CreateServiceEvent(ctx, &e))
		assert.NotZero(t, e.ID)
	}

	all, err := store.ListServiceEvents(ctx, EventFilter{Project: "shop"}, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, lifecycle.StateResourcing, all[0].To, "events are listed in insertion order")
	assert.Equal(t, at, all[0].Timestamp)

	web, err := store.ListServiceEvents(ctx, EventFilter{Project: "shop", Service: "web"}, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, web, 1)
	assert.Equal(t, "dependency failed", web[0].Error)
	assert.Equal(t, lifecycle.StateFailed, web[0].To)

	none, err := store.ListServiceEvents(ctx, EventFilter{Project: "blog"}, DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCreateServiceEvent_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	e := domain.NewServiceEvent("shop", "db", lifecycle.StatePending, lifecycle.StateResourcing, 1, nil, time.Now())
	require.NoError(t, store.CreateServiceEvent(ctx, &e))
	assert.ErrorIs(t, store.CreateServiceEvent(ctx, &e), ErrDuplicateID)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_Commit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Store) error {
		r, err := domain.NewResource("shop_pgdata", domain.ResourceKindVolume, "", "shop", time.Now())
		if err != nil {
			return err
		}
		if err := tx.CreateResource(ctx, r); err != nil {
			return err
		}
		return tx.AddResourceRef(ctx, domain.ResourceRef{Resource: r.Name, Project: "shop", Service: "db", CreatedAt: time.Now()})
	})
	require.NoError(t, err)

	count, err := store.CountResourceRefs(ctx, "shop_pgdata")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWithTx_Rollback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx Store) error {
		r, err := domain.NewResource("shop_pgdata", domain.ResourceKindVolume, "", "shop", time.Now())
		if err != nil {
			return err
		}
		if err := tx.CreateResource(ctx, r); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetResource(ctx, "shop_pgdata")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Options Tests
// =============================================================================

func TestListOptions_Normalize(t *testing.T) {
	assert.Equal(t, ListOptions{Limit: 100}, ListOptions{}.Normalize())
	assert.Equal(t, ListOptions{Limit: 1000}, ListOptions{Limit: 5000}.Normalize())
	assert.Equal(t, ListOptions{Limit: 10}, ListOptions{Limit: 10, Offset: -3}.Normalize())
}

func TestStoreError(t *testing.T) {
	err := NewStoreError("GetResource", "resource", "shop_pgdata", "resource not found", ErrNotFound)
	assert.Equal(t, "GetResource resource shop_pgdata: resource not found", err.Error())
	assert.ErrorIs(t, err, ErrNotFound)
}
