//go:build integration

package testhelpers

import (
	"context"
	"testing"
)

func TestTestDB_SnapshotTableExists(t *testing.T) {
	testDB := GetTestDB(t)

	ctx := context.Background()

	var exists bool
	err := testDB.DB.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'occi_tenant_snapshots')").
		Scan(&exists)
	if err != nil {
		t.Fatalf("failed to query schema: %v", err)
	}
	if !exists {
		t.Error("expected occi_tenant_snapshots table after migrations")
	}
}

func TestTestRedis_Ping(t *testing.T) {
	r := GetTestRedis(t)

	if err := r.Client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}
