package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
	"github.com/ekaya-inc/occi-engine/pkg/models"
)

// ============================================================================
// Creation
// ============================================================================

func TestAddResource_DuplicateLocationConflicts(t *testing.T) {
	c := newTestConfiguration(t)

	e, err := c.AddResource(computeKind, nil, map[string]any{"occi.compute.cores": "2"}, "/myres/")
	require.NoError(t, err)
	assert.Equal(t, "/myres", e.Location)
	assert.Equal(t, computeKind, e.Kind)
	assert.Equal(t, "2", e.Attributes["occi.compute.cores"])

	_, err = c.AddResource(computeKind, nil, map[string]any{"occi.compute.cores": "2"}, "/myres/")
	assert.ErrorIs(t, err, apperrors.ErrEntityConflict)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, 1, c.index.Len())
}

func TestAddResource_DefaultLocationAndDefaults(t *testing.T) {
	c := newTestConfiguration(t)

	e, err := c.AddResource(computeKind, nil, map[string]any{models.AttrTitle: "web"}, "")
	require.NoError(t, err)

	assert.Equal(t, "/compute/"+e.ID.String(), e.Location)
	assert.Equal(t, "web", e.Title)
	assert.Equal(t, "inactive", e.Attributes["occi.compute.state"])
	assert.False(t, e.CreatedAt.IsZero())
}

func TestAddResource_ExplicitUUID(t *testing.T) {
	c := newTestConfiguration(t)

	e, err := c.AddResource(computeKind, nil, map[string]any{models.AttrID: "urn:uuid:" + testUUID}, "/a")
	require.NoError(t, err)
	assert.Equal(t, testUUID, e.ID.String())
	assert.NotContains(t, e.Attributes, models.AttrID)

	_, err = c.AddResource(computeKind, nil, map[string]any{models.AttrID: testUUID}, "/b")
	assert.ErrorIs(t, err, apperrors.ErrEntityConflict)

	_, err = c.AddResource(computeKind, nil, map[string]any{models.AttrID: "not-a-uuid"}, "/c")
	assert.ErrorIs(t, err, apperrors.ErrAttributeValidation)
}

func TestAddResource_Validation(t *testing.T) {
	tests := []struct {
		name   string
		kind   models.CategoryID
		mixins []models.CategoryID
		attrs  map[string]any
		want   error
	}{
		{"undeclared attribute", computeKind, nil, map[string]any{"occi.storage.size": 10}, apperrors.ErrAttributeValidation},
		{"wrong type", computeKind, nil, map[string]any{"occi.compute.cores": "many"}, apperrors.ErrAttributeValidation},
		{"missing required", storageKind, nil, nil, apperrors.ErrAttributeValidation},
		{"mixin not applicable", computeKind, []models.CategoryID{ipNetworkMixin}, nil, apperrors.ErrAttributeValidation},
		{"unknown mixin", computeKind, []models.CategoryID{"http://example.com#nope"}, nil, apperrors.ErrReferenceNotFound},
		{"unknown kind", "http://example.com#nope", nil, nil, apperrors.ErrReferenceNotFound},
		{"link kind", netIfaceKind, nil, nil, apperrors.ErrReferenceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConfiguration(t)
			_, err := c.AddResource(tt.kind, tt.mixins, tt.attrs, "/x")
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, c.index.Len())
			assert.Equal(t, uint64(0), c.Version())
		})
	}
}

func TestAddResource_MixinAttributes(t *testing.T) {
	c := newTestConfiguration(t)

	e, err := c.AddResource(networkKind, []models.CategoryID{ipNetworkMixin},
		map[string]any{"occi.network.address": "10.0.0.0/24"}, "/net1")
	require.NoError(t, err)
	assert.Equal(t, []models.CategoryID{ipNetworkMixin}, e.Mixins)
	assert.Equal(t, "10.0.0.0/24", e.Attributes["occi.network.address"])
}

func TestAddResource_ConcurrentSameLocation(t *testing.T) {
	c := newTestConfiguration(t)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.AddResource(computeKind, nil, nil, "/contested")
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrEntityConflict)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, c.index.Len())
}

func TestAddResource_ConcurrentDistinctLocations(t *testing.T) {
	c := newTestConfiguration(t)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.AddResource(computeKind, nil, nil, fmt.Sprintf("/vm/%d", i))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all := c.FindAllEntities()
	assert.Len(t, all, 50)
	seenIDs := make(map[uuid.UUID]bool)
	seenLocs := make(map[string]bool)
	for _, e := range all {
		assert.False(t, seenIDs[e.ID])
		assert.False(t, seenLocs[e.Location])
		seenIDs[e.ID] = true
		seenLocs[e.Location] = true
	}
	assert.Equal(t, uint64(50), c.Version())
}

func TestUpdateAttributes_ConcurrentWritersKeepEveryKey(t *testing.T) {
	c := newTestConfiguration(t)
	vm := mustAddCompute(t, c, "/vm1", nil)

	keys := []string{
		"occi.compute.hostname",
		"occi.compute.architecture",
		"occi.compute.state.message",
		models.AttrTitle,
		models.AttrSummary,
	}
	const rounds = 100

	var wg sync.WaitGroup
	for w, key := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range rounds {
				_, err := c.UpdateAttributes(vm.ID, map[string]any{key: fmt.Sprintf("w%d-%d", w, r)})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, ok := c.FindEntityByUUID(vm.ID)
	require.True(t, ok)
	for w, key := range keys {
		assert.Equal(t, fmt.Sprintf("w%d-%d", w, rounds-1), got.Attributes[key], key)
	}
	assert.Equal(t, "inactive", got.Attributes["occi.compute.state"], "untouched keys survive")
}

func TestReadsDuringWritesSeeConsistentEntities(t *testing.T) {
	c := newTestConfiguration(t)
	stable := mustAddCompute(t, c, "/stable", nil)

	ctx, cancel := context.WithCancel(context.Background())
	var writers, readers sync.WaitGroup

	for w := range 4 {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for i := range 50 {
				e, err := c.AddResource(computeKind, nil, nil, fmt.Sprintf("/churn/%d/%d", w, i))
				if !assert.NoError(t, err) {
					return
				}
				_, err = c.UpdateAttributes(e.ID, map[string]any{"occi.compute.hostname": fmt.Sprintf("h%d", i)})
				assert.NoError(t, err)
				_, err = c.UpdateAttributes(stable.ID, map[string]any{"occi.compute.hostname": fmt.Sprintf("s%d-%d", w, i)})
				assert.NoError(t, err)
				if i%2 == 0 {
					_, err = c.RemoveEntity(e.ID.String())
					assert.NoError(t, err)
				}
			}
		}()
	}

	for range 4 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for ctx.Err() == nil {
				for _, e := range c.FindAllEntities() {
					assert.NotNil(t, e.Attributes)
					if byID, ok := c.FindEntityByUUID(e.ID); ok {
						assert.Equal(t, e.Location, byID.Location)
					}
					if byLoc, ok := c.FindEntity(e.Location); ok {
						assert.Equal(t, e.ID, byLoc.ID)
					}
				}
				got, ok := c.FindEntityByUUID(stable.ID)
				if assert.True(t, ok) {
					assert.Equal(t, "/stable", got.Location)
				}
			}
		}()
	}

	writers.Wait()
	cancel()
	readers.Wait()

	all := c.FindAllEntities()
	assert.Len(t, all, 1+4*25)
	for _, e := range all {
		byID, ok := c.FindEntityByUUID(e.ID)
		require.True(t, ok)
		assert.Equal(t, e.Location, byID.Location)
	}
}

// ============================================================================
// Links
// ============================================================================

func TestAddLink(t *testing.T) {
	c := newTestConfiguration(t)
	vm := mustAddCompute(t, c, "/vm1", nil)
	net, err := c.AddResource(networkKind, nil, nil, "/net1")
	require.NoError(t, err)

	link, err := c.AddLink(netIfaceKind, nil, map[string]any{"occi.networkinterface.interface": "eth0"},
		vm.ID.String(), "/net1", "")
	require.NoError(t, err)
	assert.True(t, link.IsLink())
	assert.Equal(t, vm.ID, link.Source.ID)
	assert.Equal(t, net.ID, link.Target.ID)
	assert.Equal(t, "/net1", link.Target.Location)
	assert.Equal(t, "/networklink/"+link.ID.String(), link.Location)

	_, err = c.AddLink(netIfaceKind, nil, nil, vm.ID.String(), uuid.NewString(), "")
	assert.ErrorIs(t, err, apperrors.ErrReferenceNotFound)

	_, err = c.AddLink(computeKind, nil, nil, vm.ID.String(), "/net1", "")
	assert.ErrorIs(t, err, apperrors.ErrReferenceNotFound)
}

func TestAddLink_EndpointsFromAttributes(t *testing.T) {
	c := newTestConfiguration(t)
	vm := mustAddCompute(t, c, "/vm1", nil)
	_, err := c.AddResource(storageKind, nil, map[string]any{"occi.storage.size": 10}, "/disk1")
	require.NoError(t, err)

	link, err := c.AddLink(storageLinkKind, nil, map[string]any{
		models.AttrSource: "urn:uuid:" + vm.ID.String(),
		models.AttrTarget: "/disk1",
	}, "", "", "/sl1")
	require.NoError(t, err)
	assert.Equal(t, vm.ID, link.Source.ID)
	assert.NotContains(t, link.Attributes, models.AttrSource)
}

func TestRemoveEntity_LinkEndpointConflicts(t *testing.T) {
	c := newTestConfiguration(t)
	vm := mustAddCompute(t, c, "/vm1", nil)
	_, err := c.AddResource(networkKind, nil, nil, "/net1")
	require.NoError(t, err)
	link, err := c.AddLink(netIfaceKind, nil, nil, "/vm1", "/net1", "")
	require.NoError(t, err)

	_, err = c.RemoveEntity("/net1")
	assert.ErrorIs(t, err, apperrors.ErrEntityConflict)
	_, err = c.RemoveEntity(vm.ID.String())
	assert.ErrorIs(t, err, apperrors.ErrEntityConflict)

	removed, err := c.RemoveEntity(link.ID.String())
	require.NoError(t, err)
	assert.Equal(t, link.ID, removed.ID)

	_, err = c.RemoveEntity("/net1")
	require.NoError(t, err)
	_, err = c.RemoveEntity("urn:uuid:" + vm.ID.String())
	require.NoError(t, err)

	assert.Empty(t, c.FindAllEntities())
	_, err = c.RemoveEntity("/net1")
	assert.ErrorIs(t, err, apperrors.ErrReferenceNotFound)
}

// ============================================================================
// Lookup
// ============================================================================

func TestFindEntity_IdempotentLookup(t *testing.T) {
	c := newTestConfiguration(t)
	created := mustAddCompute(t, c, "/vm1", map[string]any{"occi.compute.cores": 2})

	byLoc, ok := c.FindEntity("vm1/")
	require.True(t, ok)
	byID, ok := c.FindEntityByUUID(byLoc.ID)
	require.True(t, ok)
	assert.Equal(t, byLoc, byID)
	assert.Equal(t, created, byID)

	_, ok = c.FindEntity("/missing")
	assert.False(t, ok)
	_, ok = c.FindEntityByUUID(uuid.New())
	assert.False(t, ok)
}

func TestFindEntity_ReturnsCopies(t *testing.T) {
	c := newTestConfiguration(t)
	mustAddCompute(t, c, "/vm1", nil)

	e, _ := c.FindEntity("/vm1")
	e.Attributes["occi.compute.state"] = "tampered"

	again, _ := c.FindEntity("/vm1")
	assert.Equal(t, "inactive", again.Attributes["occi.compute.state"])
}

func TestFindAllEntities_InsertionOrder(t *testing.T) {
	c := newTestConfiguration(t)
	for _, loc := range []string{"/c", "/a", "/b"} {
		mustAddCompute(t, c, loc, nil)
	}

	var locs []string
	for _, e := range c.FindAllEntities() {
		locs = append(locs, e.Location)
	}
	assert.Equal(t, []string{"/c", "/a", "/b"}, locs)
}

func TestFindAllEntitiesForCategory(t *testing.T) {
	c := newTestConfiguration(t)
	mustAddCompute(t, c, "/vm1", map[string]any{"occi.compute.hostname": "alpha"})
	mustAddCompute(t, c, "/vm2", map[string]any{"occi.compute.hostname": "beta"})
	_, err := c.AddResource(computeKind, []models.CategoryID{osTplMixin}, nil, "/vm3")
	require.NoError(t, err)
	_, err = c.AddResource(networkKind, nil, nil, "/net1")
	require.NoError(t, err)

	page := c.FindAllEntitiesForCategory(computeKind, models.CollectionFilter{})
	assert.Equal(t, 3, page.Total)

	page = c.FindAllEntitiesForCategory(models.ResourceKindID, models.CollectionFilter{})
	assert.Equal(t, 4, page.Total, "sub-kinds are members of the parent's collection")

	page = c.FindAllEntitiesForCategory(osTplMixin, models.CollectionFilter{})
	require.Len(t, page.Entities, 1)
	assert.Equal(t, "/vm3", page.Entities[0].Location)

	page = c.FindAllEntitiesForCategory(computeKind, models.CollectionFilter{
		AttributeName:  "occi.compute.hostname",
		AttributeValue: "alp",
		Operator:       models.OperatorLike,
	})
	require.Len(t, page.Entities, 1)
	assert.Equal(t, "/vm1", page.Entities[0].Location)

	page = c.FindAllEntitiesForCategory(computeKind, models.CollectionFilter{PageSize: 2, CurrentPage: 2})
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Entities, 1)
	assert.Equal(t, "/vm3", page.Entities[0].Location)

	page = c.FindAllEntitiesForCategory(computeKind, models.CollectionFilter{AttributeName: "occi.compute.hostname", AttributeValue: "gamma"})
	assert.NotNil(t, page.Entities)
	assert.Empty(t, page.Entities)

	page = c.FindAllEntitiesForCategory("http://example.com#unknown", models.CollectionFilter{})
	assert.Empty(t, page.Entities)
	assert.Equal(t, 0, page.Total)
}

func TestFindEntitiesUnderPath(t *testing.T) {
	c := newTestConfiguration(t)
	mustAddCompute(t, c, "/team/a/vm1", nil)
	mustAddCompute(t, c, "/team/a/vm2", nil)
	mustAddCompute(t, c, "/team/b/vm1", nil)
	mustAddCompute(t, c, "/teamster", nil)

	page := c.FindEntitiesUnderPath("/team/", models.CollectionFilter{})
	assert.Equal(t, 3, page.Total)

	page = c.FindEntitiesUnderPath("team/a", models.CollectionFilter{})
	assert.Equal(t, 2, page.Total)
}

// ============================================================================
// Update
// ============================================================================

func TestUpdateAttributes_RoundTrip(t *testing.T) {
	c := newTestConfiguration(t)
	e := mustAddCompute(t, c, "/vm1", map[string]any{
		"occi.compute.cores":    2,
		"occi.compute.hostname": "alpha",
	})

	updated, err := c.UpdateAttributes(e.ID, map[string]any{
		"occi.compute.cores":  4,
		"occi.compute.memory": 2.5,
		models.AttrTitle:      "renamed",
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)

	got, ok := c.FindEntityByUUID(e.ID)
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"occi.compute.cores":    4,
		"occi.compute.hostname": "alpha",
		"occi.compute.memory":   2.5,
		"occi.compute.state":    "inactive",
		models.AttrTitle:        "renamed",
	}, got.Attributes)
	assert.Equal(t, computeKind, got.Kind)
}

func TestUpdateAttributes_RejectsWithoutPartialMutation(t *testing.T) {
	c := newTestConfiguration(t)
	e := mustAddCompute(t, c, "/vm1", map[string]any{"occi.compute.cores": 2})
	before := c.Version()

	_, err := c.UpdateAttributes(e.ID, map[string]any{
		"occi.compute.cores": 8,
		"occi.unknown":       "x",
	})
	assert.ErrorIs(t, err, apperrors.ErrAttributeValidation)

	got, _ := c.FindEntityByUUID(e.ID)
	assert.Equal(t, 2, got.Attributes["occi.compute.cores"])
	assert.NotContains(t, got.Attributes, "occi.unknown")
	assert.Equal(t, before, c.Version())
}

func TestUpdateAttributes_ImmutableAndRequired(t *testing.T) {
	c := newTestConfiguration(t)
	mustAddCompute(t, c, "/vm1", nil)
	_, err := c.AddResource(networkKind, nil, nil, "/net1")
	require.NoError(t, err)
	link, err := c.AddLink(netIfaceKind, nil, map[string]any{"occi.networkinterface.interface": "eth0"}, "/vm1", "/net1", "")
	require.NoError(t, err)

	_, err = c.UpdateAttributes(link.ID, map[string]any{"occi.networkinterface.interface": "eth1"})
	assert.ErrorIs(t, err, apperrors.ErrAttributeValidation)

	_, err = c.UpdateAttributes(link.ID, map[string]any{models.AttrID: uuid.NewString()})
	assert.ErrorIs(t, err, apperrors.ErrAttributeValidation)
	_, err = c.UpdateAttributes(link.ID, map[string]any{models.AttrID: link.ID.String()})
	assert.NoError(t, err)

	disk, err := c.AddResource(storageKind, nil, map[string]any{"occi.storage.size": 10}, "/disk")
	require.NoError(t, err)
	_, err = c.UpdateAttributes(disk.ID, map[string]any{"occi.storage.size": nil})
	assert.ErrorIs(t, err, apperrors.ErrAttributeValidation)
}

func TestUpdateAttributes_NilRemovesKey(t *testing.T) {
	c := newTestConfiguration(t)
	e := mustAddCompute(t, c, "/vm1", map[string]any{"occi.compute.hostname": "alpha"})

	got, err := c.UpdateAttributes(e.ID, map[string]any{"occi.compute.hostname": nil})
	require.NoError(t, err)
	assert.NotContains(t, got.Attributes, "occi.compute.hostname")
}

func TestUpdateAttributes_RepointsLink(t *testing.T) {
	c := newTestConfiguration(t)
	mustAddCompute(t, c, "/vm1", nil)
	vm2 := mustAddCompute(t, c, "/vm2", nil)
	_, err := c.AddResource(networkKind, nil, nil, "/net1")
	require.NoError(t, err)
	link, err := c.AddLink(netIfaceKind, nil, nil, "/vm1", "/net1", "")
	require.NoError(t, err)

	got, err := c.UpdateAttributes(link.ID, map[string]any{models.AttrSource: "/vm2"})
	require.NoError(t, err)
	assert.Equal(t, vm2.ID, got.Source.ID)

	_, err = c.RemoveEntity("/vm1")
	assert.NoError(t, err, "the old source is no longer referenced")
	_, err = c.RemoveEntity("/vm2")
	assert.ErrorIs(t, err, apperrors.ErrEntityConflict)

	_, err = c.UpdateAttributes(link.ID, map[string]any{models.AttrTarget: "/missing"})
	assert.ErrorIs(t, err, apperrors.ErrReferenceNotFound)

	_, err = c.UpdateAttributes(vm2.ID, map[string]any{models.AttrTarget: "/net1"})
	assert.ErrorIs(t, err, apperrors.ErrAttributeValidation)
}

func TestUpdateAttributes_UnknownEntity(t *testing.T) {
	c := newTestConfiguration(t)
	_, err := c.UpdateAttributes(uuid.New(), map[string]any{"occi.compute.cores": 1})
	assert.ErrorIs(t, err, apperrors.ErrReferenceNotFound)
}

// ============================================================================
// Mixins
// ============================================================================

func TestAddMixinToEntity(t *testing.T) {
	c := newTestConfiguration(t)
	net, err := c.AddResource(networkKind, nil, nil, "/net1")
	require.NoError(t, err)

	_, err = c.UpdateAttributes(net.ID, map[string]any{"occi.network.address": "10.0.0.1"})
	assert.ErrorIs(t, err, apperrors.ErrAttributeValidation, "not declared before the mixin is associated")

	got, err := c.AssociateMixins(net.ID, []models.CategoryID{ipNetworkMixin}, map[string]any{"occi.network.address": "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, got.HasMixin(ipNetworkMixin))
	assert.Equal(t, "10.0.0.1", got.Attributes["occi.network.address"])

	v := c.Version()
	_, err = c.AddMixinToEntity(net.ID, ipNetworkMixin)
	require.NoError(t, err)
	assert.Equal(t, v, c.Version(), "associating twice changes nothing")

	vm := mustAddCompute(t, c, "/vm1", nil)
	_, err = c.AddMixinToEntity(vm.ID, ipNetworkMixin)
	assert.ErrorIs(t, err, apperrors.ErrAttributeValidation)
}

func TestDissociateMixin_HidesOrphanedAttributes(t *testing.T) {
	c := newTestConfiguration(t)
	net, err := c.AddResource(networkKind, []models.CategoryID{ipNetworkMixin},
		map[string]any{"occi.network.address": "10.0.0.1", "occi.network.vlan": 7}, "/net1")
	require.NoError(t, err)

	got, err := c.DissociateMixin(net.ID, ipNetworkMixin)
	require.NoError(t, err)
	assert.False(t, got.HasMixin(ipNetworkMixin))
	assert.NotContains(t, got.Attributes, "occi.network.address")
	assert.Equal(t, 7, got.Attributes["occi.network.vlan"])
	assert.Equal(t, networkKind, got.Kind)

	page := c.FindAllEntitiesForCategory(networkKind, models.CollectionFilter{AttributeName: "occi.network.address"})
	assert.Empty(t, page.Entities, "hidden attributes do not match filters")

	snap := c.Snapshot()
	require.Len(t, snap.Entities, 1)
	assert.Equal(t, "10.0.0.1", snap.Entities[0].Attributes["occi.network.address"], "stored value is kept")

	got, err = c.AddMixinToEntity(net.ID, ipNetworkMixin)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", got.Attributes["occi.network.address"])

	_, err = c.DissociateMixin(net.ID, osTplMixin)
	assert.ErrorIs(t, err, apperrors.ErrReferenceNotFound)
}

func TestAttributeClosure(t *testing.T) {
	c := newTestConfiguration(t)
	net, err := c.AddResource(networkKind, []models.CategoryID{ipNetworkMixin},
		map[string]any{"occi.network.gateway": "10.0.0.254"}, "/net1")
	require.NoError(t, err)
	_, err = c.DissociateMixin(net.ID, ipNetworkMixin)
	require.NoError(t, err)
	mustAddCompute(t, c, "/vm1", map[string]any{"occi.compute.cores": 1})

	for _, e := range c.FindAllEntities() {
		c.mu.RLock()
		s := c.schemaLocked(e.Kind, e.Mixins)
		c.mu.RUnlock()
		for name := range e.Attributes {
			assert.Contains(t, s, name, "entity %s exposes undeclared %s", e.Location, name)
		}
	}
}
