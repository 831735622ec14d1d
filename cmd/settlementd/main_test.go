//go:build unit

package main

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/LerianStudio/lib-settlement/settlement/config"
	"github.com/LerianStudio/lib-settlement/settlement/custody"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())

	return out.String(), err
}

func TestDerive(t *testing.T) {
	wantListing, wantBump, err := custody.FindAddress(custody.ListingSeeds("mp-1", "m-1"))
	require.NoError(t, err)

	out, err := execute(t, "derive", "listing", "mp-1", "m-1")
	require.NoError(t, err)

	fields := strings.Fields(out)
	require.Len(t, fields, 2)
	assert.Equal(t, wantListing, fields[0])
	assert.Equal(t, strconv.Itoa(int(wantBump)), fields[1])

	wantHolding, err := custody.AssociatedHolding("alice", "m-1")
	require.NoError(t, err)

	out, err = execute(t, "derive", "holding", "alice", "m-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, wantHolding+"\t"))
}

func TestDerive_WrongArgs(t *testing.T) {
	_, err := execute(t, "derive", "listing", "mp-1")
	require.Error(t, err)
}

func TestMigrate_RequiresDSN(t *testing.T) {
	_, err := execute(t, "migrate", "up")
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestBuild_MemoryBackend(t *testing.T) {
	cfg := config.Default()

	c, err := build(context.Background(), cfg, log.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.closeAll)

	assert.NotNil(t, c.service)
	assert.Nil(t, c.dispatcher)
	assert.Nil(t, c.idem)
	assert.True(t, c.hasCloser("store"))

	ctx := context.Background()

	mp, err := c.service.CreateMarketplace(ctx, market.CreateMarketplaceInput{Name: "bazaar", Admin: "admin", FeeRate: 5})
	require.NoError(t, err)
	assert.Equal(t, "bazaar", mp.Name)
}

func TestBuild_SQLiteBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.SQLiteDSN = ":memory:"
	cfg.Engine.FeePolicy = "bps"

	c, err := build(context.Background(), cfg, log.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.closeAll)

	_, err = c.service.Fund(context.Background(), "alice", 10)
	require.NoError(t, err)
}

func TestBuild_RedisUnavailable(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.Addresses = []string{"127.0.0.1:1"}

	_, err := build(context.Background(), cfg, log.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}
