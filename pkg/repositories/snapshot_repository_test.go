package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/occi-engine/pkg/models"
)

func sampleSnapshot(owner string, version uint64) *models.TenantSnapshot {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resID := uuid.MustParse("c7d55bf4-7057-5113-85c8-141871bf7636")
	linkID := uuid.MustParse("0b5d3c4e-93a5-4d1c-9c3c-0f6c6d8f2a11")
	return &models.TenantSnapshot{
		Owner:      owner,
		Version:    version,
		TakenAt:    now,
		Extensions: []string{"core", "infrastructure"},
		MixinTags: []models.MixinTagDef{
			{ID: "http://example.com/tags#prod", Title: "Prod", Location: "/prod/"},
		},
		Entities: []models.EntitySnapshot{
			{
				ID:       resID,
				Kind:     "http://schemas.ogf.org/occi/infrastructure#compute",
				Title:    "vm1",
				Location: "/compute/" + resID.String(),
				Attributes: map[string]any{
					"occi.compute.hostname": "vm1",
					"occi.compute.cores":    float64(2),
				},
				CreatedAt: now,
				UpdatedAt: now,
			},
			{
				ID:        linkID,
				Kind:      "http://schemas.ogf.org/occi/infrastructure#storagelink",
				Location:  "/storagelink/" + linkID.String(),
				Source:    &models.LinkEndpoint{ID: resID, Location: "/compute/" + resID.String()},
				Target:    &models.LinkEndpoint{ID: resID, Location: "/compute/" + resID.String()},
				CreatedAt: now,
				UpdatedAt: now,
			},
		},
	}
}

// testSnapshotRepository exercises the contract every backend shares.
func testSnapshotRepository(t *testing.T, repo SnapshotRepository) {
	ctx := context.Background()

	t.Run("load missing returns nil", func(t *testing.T) {
		snap, err := repo.Load(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("save and load", func(t *testing.T) {
		want := sampleSnapshot("alice", 7)
		require.NoError(t, repo.Save(ctx, want))

		got, err := repo.Load(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, got)

		assert.Equal(t, want.Owner, got.Owner)
		assert.Equal(t, want.Version, got.Version)
		assert.True(t, want.TakenAt.Equal(got.TakenAt))
		assert.Equal(t, want.Extensions, got.Extensions)
		assert.Equal(t, want.MixinTags, got.MixinTags)
		require.Len(t, got.Entities, 2)
		assert.Equal(t, want.Entities[0].ID, got.Entities[0].ID)
		assert.Equal(t, "vm1", got.Entities[0].Attributes["occi.compute.hostname"])
		assert.EqualValues(t, 2, got.Entities[0].Attributes["occi.compute.cores"])
		require.NotNil(t, got.Entities[1].Source)
		assert.Equal(t, want.Entities[1].Source.ID, got.Entities[1].Source.ID)
	})

	t.Run("save replaces", func(t *testing.T) {
		require.NoError(t, repo.Save(ctx, sampleSnapshot("bob", 1)))
		require.NoError(t, repo.Save(ctx, sampleSnapshot("bob", 2)))

		got, err := repo.Load(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("owners are listed sorted", func(t *testing.T) {
		require.NoError(t, repo.Save(ctx, sampleSnapshot("team/a b", 1)))

		owners, err := repo.ListOwners(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob", "team/a b"}, owners)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "bob"))
		require.NoError(t, repo.Delete(ctx, "bob"))

		got, err := repo.Load(ctx, "bob")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("owner is required", func(t *testing.T) {
		assert.Error(t, repo.Save(ctx, sampleSnapshot("", 1)))
		assert.Error(t, repo.Save(ctx, nil))
		_, err := repo.Load(ctx, " ")
		assert.Error(t, err)
	})
}
