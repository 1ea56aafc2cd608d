//go:build integration

package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/occi-engine/pkg/testhelpers"
)

func TestRedisSnapshotRepository(t *testing.T) {
	r := testhelpers.GetTestRedis(t)
	require.NoError(t, r.Client.FlushDB(context.Background()).Err())

	testSnapshotRepository(t, NewRedisSnapshotRepository(r.Client, "occi:test:"))
}
