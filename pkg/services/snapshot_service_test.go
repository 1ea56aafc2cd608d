package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
	"github.com/ekaya-inc/occi-engine/pkg/catalog"
	"github.com/ekaya-inc/occi-engine/pkg/models"
	"github.com/ekaya-inc/occi-engine/pkg/registry"
	"github.com/ekaya-inc/occi-engine/pkg/retry"
)

const computeKind = models.CategoryID("http://schemas.ogf.org/occi/infrastructure#compute")

// mockSnapshotRepository is an in-memory repository that counts calls and
// can fail a fixed number of times.
type mockSnapshotRepository struct {
	mu        sync.Mutex
	snaps     map[string]*models.TenantSnapshot
	saves     int
	failSaves int
	saveErr   error
}

func newMockSnapshotRepository() *mockSnapshotRepository {
	return &mockSnapshotRepository{snaps: make(map[string]*models.TenantSnapshot)}
}

func (m *mockSnapshotRepository) Save(ctx context.Context, snap *models.TenantSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failSaves > 0 {
		m.failSaves--
		return m.saveErr
	}
	m.snaps[snap.Owner] = snap
	return nil
}

func (m *mockSnapshotRepository) Load(ctx context.Context, owner string) (*models.TenantSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snaps[owner], nil
}

func (m *mockSnapshotRepository) Delete(ctx context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, owner)
	return nil
}

func (m *mockSnapshotRepository) ListOwners(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owners := make([]string, 0, len(m.snaps))
	for owner := range m.snaps {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners, nil
}

func (m *mockSnapshotRepository) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func newTestManager(t *testing.T) *registry.Manager {
	t.Helper()
	cat := catalog.New(zaptest.NewLogger(t))
	require.NoError(t, cat.LoadFrom(catalog.NewBuiltinSource()))
	m, err := registry.NewManager(cat, registry.Options{
		DefaultExtensions: []string{"core", "infrastructure"},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func newTestSnapshotService(t *testing.T, m *registry.Manager, repo *mockSnapshotRepository) *snapshotService {
	t.Helper()
	svc := NewSnapshotService(m, repo, nil, zaptest.NewLogger(t)).(*snapshotService)
	svc.retryCfg = &retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return svc
}

func TestSnapshotService_SaveAndLoadTenant(t *testing.T) {
	ctx := context.Background()
	repo := newMockSnapshotRepository()

	src := newTestManager(t)
	e, err := src.AddResource("alice", computeKind, nil, map[string]any{"occi.compute.hostname": "vm1"}, "/vms/vm1")
	require.NoError(t, err)

	require.NoError(t, newTestSnapshotService(t, src, repo).SaveTenant(ctx, "alice"))

	dst := newTestManager(t)
	ok, err := newTestSnapshotService(t, dst, repo).LoadTenant(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	got, found := dst.FindEntity("alice", "/vms/vm1")
	require.True(t, found)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "vm1", got.Attributes["occi.compute.hostname"])
}

func TestSnapshotService_LoadTenantMissing(t *testing.T) {
	svc := newTestSnapshotService(t, newTestManager(t), newMockSnapshotRepository())

	ok, err := svc.LoadTenant(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotService_SaveTenantUnknown(t *testing.T) {
	svc := newTestSnapshotService(t, newTestManager(t), newMockSnapshotRepository())

	err := svc.SaveTenant(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperrors.ErrReferenceNotFound)
}

func TestSnapshotService_SaveAllWritesOnlyChangedTenants(t *testing.T) {
	ctx := context.Background()
	repo := newMockSnapshotRepository()
	m := newTestManager(t)
	svc := newTestSnapshotService(t, m, repo)

	_, err := m.AddResource("a", computeKind, nil, nil, "/vms/1")
	require.NoError(t, err)
	_, err = m.AddResource("b", computeKind, nil, nil, "/vms/1")
	require.NoError(t, err)

	n, err := svc.SaveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.SaveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing changed since the last save")

	_, err = m.AddResource("b", computeKind, nil, nil, "/vms/2")
	require.NoError(t, err)

	n, err = svc.SaveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, repo.saveCount())
}

func TestSnapshotService_SaveRetriesTransientErrors(t *testing.T) {
	repo := newMockSnapshotRepository()
	repo.failSaves = 2
	repo.saveErr = errors.New("database is locked")

	m := newTestManager(t)
	_, err := m.GetOrCreateConfiguration("alice")
	require.NoError(t, err)

	require.NoError(t, newTestSnapshotService(t, m, repo).SaveTenant(context.Background(), "alice"))
	assert.Equal(t, 3, repo.saveCount())
}

func TestSnapshotService_SaveAllReportsPermanentErrors(t *testing.T) {
	repo := newMockSnapshotRepository()
	repo.failSaves = 1
	repo.saveErr = errors.New("permission denied")

	m := newTestManager(t)
	_, err := m.GetOrCreateConfiguration("alice")
	require.NoError(t, err)
	svc := newTestSnapshotService(t, m, repo)

	n, err := svc.SaveAll(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, repo.saveCount(), "permanent errors are not retried")

	// The failed tenant is still dirty and goes out on the next pass.
	n, err = svc.SaveAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSnapshotService_LoadAll(t *testing.T) {
	ctx := context.Background()
	repo := newMockSnapshotRepository()

	src := newTestManager(t)
	for _, owner := range []string{"a", "b"} {
		_, err := src.AddResource(owner, computeKind, nil, nil, "/vms/1")
		require.NoError(t, err)
	}
	_, err := newTestSnapshotService(t, src, repo).SaveAll(ctx)
	require.NoError(t, err)

	// A snapshot naming an unknown kind is skipped, the rest still load.
	repo.snaps["broken"] = &models.TenantSnapshot{
		Owner:      "broken",
		Extensions: []string{"core"},
		Entities:   []models.EntitySnapshot{{Kind: "http://example.com/x#nope", Location: "/x/1"}},
	}

	dst := newTestManager(t)
	svc := newTestSnapshotService(t, dst, repo)
	n, err := svc.LoadAll(ctx)
	assert.ErrorIs(t, err, apperrors.ErrModelLoad)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b", "broken"}, dst.Owners())

	written, err := svc.SaveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, written, "only the tenant that failed to load is unsaved")
}

func TestSnapshotService_DeleteTenant(t *testing.T) {
	ctx := context.Background()
	repo := newMockSnapshotRepository()
	m := newTestManager(t)
	svc := newTestSnapshotService(t, m, repo)

	_, err := m.GetOrCreateConfiguration("alice")
	require.NoError(t, err)
	require.NoError(t, svc.SaveTenant(ctx, "alice"))

	require.NoError(t, svc.DeleteTenant(ctx, "alice"))
	_, ok := m.Configuration("alice")
	assert.False(t, ok)
	snap, _ := repo.Load(ctx, "alice")
	assert.Nil(t, snap)

	// Deleting again is not an error.
	assert.NoError(t, svc.DeleteTenant(ctx, "alice"))
}

func TestSnapshotService_RunSchedulerSavesUntilCancelled(t *testing.T) {
	// The scheduler goroutine may outlive the test, so nothing here logs to t.
	cat := catalog.New(zap.NewNop())
	require.NoError(t, cat.LoadFrom(catalog.NewBuiltinSource()))
	m, err := registry.NewManager(cat, registry.Options{DefaultExtensions: []string{"core"}}, zap.NewNop())
	require.NoError(t, err)
	_, err = m.GetOrCreateConfiguration("alice")
	require.NoError(t, err)

	repo := newMockSnapshotRepository()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	NewSnapshotService(m, repo, nil, zap.NewNop()).RunScheduler(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return repo.saveCount() == 1 }, time.Second, 5*time.Millisecond)
}
