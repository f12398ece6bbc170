package runguard_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/jvs-project/runguard/pkg/config"
	"github.com/jvs-project/runguard/pkg/model"
	"github.com/jvs-project/runguard/pkg/runguard"
)

type reportCommand struct{}

func (*reportCommand) LockTTL() time.Duration { return 20 * time.Second }

type plainCommand struct{}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openClient(t *testing.T) (*runguard.Client, *testingclock.FakePassiveClock) {
	t.Helper()
	clk := testingclock.NewFakePassiveClock(t0)
	cfg := config.Default(t.TempDir())
	c, err := runguard.Open(runguard.Options{Config: cfg, Clock: clk})
	require.NoError(t, err)
	return c, clk
}

func TestDescribeType(t *testing.T) {
	desc := runguard.DescribeType(&reportCommand{})
	assert.Equal(t, "github.com/jvs-project/runguard/pkg/runguard_test.reportCommand", desc.Identity)
	assert.True(t, desc.Lockable)
	assert.Equal(t, 20*time.Second, desc.LockTTL)

	assert.Zero(t, runguard.DescribeType(plainCommand{}).LockTTL)
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := config.Default(t.TempDir())
	zero := 0
	cfg.AutoUnlockAfter = &zero
	_, err := runguard.Open(runguard.Options{Config: cfg})
	assert.Error(t, err)
}

func TestClient_RunAndBlock(t *testing.T) {
	c, clk := openClient(t)
	cmd, err := c.Register(runguard.DescribeType(&reportCommand{}))
	require.NoError(t, err)
	assert.Equal(t, "reportCommand", cmd.Name())

	ctx := context.Background()
	var nested error
	err = c.Run(ctx, cmd, func(ctx context.Context) error {
		st, err := c.Status(cmd)
		require.NoError(t, err)
		assert.Equal(t, model.LeaseStateLive, st.State)

		clk.SetTime(t0.Add(5 * time.Second))
		nested = c.Run(ctx, cmd, func(context.Context) error {
			t.Fatal("nested run must be blocked")
			return nil
		})
		return nil
	})
	require.NoError(t, err)
	assert.True(t, runguard.IsBlocked(nested))
	assert.Contains(t, nested.Error(), "0m 15s until automatic unlock")

	st, err := c.Status(cmd)
	require.NoError(t, err)
	assert.Equal(t, model.LeaseStateFree, st.State)
}

func TestClient_ListAndRelease(t *testing.T) {
	c, _ := openClient(t)
	cmd, err := c.Register(runguard.Descriptor{Identity: "nightly-backup", Lockable: true})
	require.NoError(t, err)

	inv, err := cmd.BeforeRun(context.Background())
	require.NoError(t, err)
	defer inv.AfterSuccess(context.Background())

	list, err := c.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.LockKey("nightly-backup_71985dd"), list[0].Key)
	assert.Equal(t, 300*time.Second, list[0].Remaining)

	require.NoError(t, c.Release("nightly-backup"))
	list, err = c.List()
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, filepath.Join(c.Config().AppRoot(), "lockfiles"), c.Config().Directory())
}

func TestClient_ReleaseDottedName(t *testing.T) {
	c, _ := openClient(t)
	cmd, err := c.Register(runguard.Descriptor{Identity: "nightly.backup", Name: "nightly.backup", Lockable: true})
	require.NoError(t, err)

	inv, err := cmd.BeforeRun(context.Background())
	require.NoError(t, err)
	defer inv.AfterSuccess(context.Background())

	require.NoError(t, c.Release("nightly.backup"))
	st, err := c.Status(cmd)
	require.NoError(t, err)
	assert.Equal(t, model.LeaseStateFree, st.State)
}
