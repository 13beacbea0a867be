package agent

import (
	"context"
	"testing"
	"time"

	"github.com/flotilla-run/flotilla/pkg/ipc"
	"github.com/flotilla-run/flotilla/pkg/utils"
	"github.com/stretchr/testify/assert"
)

func newTestPool(t *testing.T, numIdle int) (*Pool, *fakeLauncher) {
	t.Helper()

	config := testConfig()
	config.NumIdleProcesses = numIdle

	launcher := newFakeLauncher()
	pool := NewPool(launcher, nil, config, testLogger())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Close(ctx)
	})

	return pool, launcher
}

func waitIdle(t *testing.T, pool *Pool, n int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return pool.IdleCount() == n
	}, time.Second, time.Millisecond)
}

func TestPoolKeepsIdleTarget(t *testing.T) {
	pool, launcher := newTestPool(t, 3)

	pool.Start()
	waitIdle(t, pool, 3)
	assert.Equal(t, 3, launcher.spawnCount())

	// Idle processes are spawned warm, without a job payload.
	for i := 0; i < 3; i++ {
		assert.Nil(t, launcher.req(i))
	}
}

func TestPoolWarmLaunch(t *testing.T) {
	pool, launcher := newTestPool(t, 1)

	pool.Start()
	waitIdle(t, pool, 1)
	warm := launcher.proc(0)

	assert.NoError(t, pool.LaunchJob(testJobInfo("job-1")))

	// The warm process received the job over IPC, not a new spawn.
	assert.Eventually(t, func() bool {
		return len(warm.sentOfKind(ipc.KindStartRequest)) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, pool.ActiveJobs())

	sup, ok := pool.GetByJobId("job-1")
	assert.True(t, ok)
	assert.Equal(t, "job-1", sup.JobId())

	// The idle slot is replenished in the background.
	waitIdle(t, pool, 1)
	assert.Equal(t, 2, launcher.spawnCount())
}

func TestPoolColdLaunch(t *testing.T) {
	pool, launcher := newTestPool(t, 0)
	pool.Start()

	assert.NoError(t, pool.LaunchJob(testJobInfo("job-1")))
	assert.Equal(t, 1, launcher.spawnCount())

	// A cold spawn passes the job payload through the environment.
	req := launcher.req(0)
	assert.NotNil(t, req)
	assert.Equal(t, "job-1", req.JobId)
	assert.Equal(t, "wss://example.com", req.Url)
}

func TestPoolRejectsDuplicateJob(t *testing.T) {
	pool, _ := newTestPool(t, 0)
	pool.Start()

	assert.NoError(t, pool.LaunchJob(testJobInfo("job-1")))
	assert.Error(t, pool.LaunchJob(testJobInfo("job-1")))
	assert.Equal(t, 1, pool.ActiveJobs())
}

func TestPoolReplacesCrashedIdleProcess(t *testing.T) {
	pool, launcher := newTestPool(t, 1)

	pool.Start()
	waitIdle(t, pool, 1)

	launcher.proc(0).exit(errFakeKilled)

	assert.Eventually(t, func() bool {
		return launcher.spawnCount() == 2 && pool.IdleCount() == 1
	}, time.Second, time.Millisecond)
}

func TestPoolJobFailureIsIsolated(t *testing.T) {
	pool, launcher := newTestPool(t, 0)
	pool.Start()

	assert.NoError(t, pool.LaunchJob(testJobInfo("job-1")))
	assert.NoError(t, pool.LaunchJob(testJobInfo("job-2")))

	launcher.proc(0).exit(errFakeKilled)

	// The failed job disappears from the index; the other keeps running.
	assert.Eventually(t, func() bool {
		_, ok := pool.GetByJobId("job-1")
		return !ok
	}, time.Second, time.Millisecond)

	_, ok := pool.GetByJobId("job-2")
	assert.True(t, ok)
	assert.Equal(t, 1, pool.ActiveJobs())
}

func TestPoolClose(t *testing.T) {
	pool, launcher := newTestPool(t, 1)

	pool.Start()
	waitIdle(t, pool, 1)
	assert.NoError(t, pool.LaunchJob(testJobInfo("job-1")))
	waitIdle(t, pool, 1)

	busy := launcher.proc(0)
	idle := launcher.proc(1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	closed := make(chan error, 1)
	go func() {
		closed <- pool.Close(ctx)
	}()

	// Idle processes are shut down right away; the busy one is
	// left alone until its job finishes.
	assert.Eventually(t, func() bool {
		return len(idle.sentOfKind(ipc.KindShutdownRequest)) == 1
	}, time.Second, time.Millisecond)
	assert.Empty(t, busy.sentOfKind(ipc.KindShutdownRequest))

	busy.deliver(ipc.NewUserExit())
	busy.exit(nil)

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool close did not return")
	}

	assert.Empty(t, busy.sentOfKind(ipc.KindShutdownRequest))
	assert.False(t, busy.wasKilled())
	assert.False(t, idle.wasKilled())

	assert.ErrorIs(t, pool.LaunchJob(testJobInfo("job-2")), utils.ErrClosed)
}

func TestPoolCloseKillsStragglers(t *testing.T) {
	pool, launcher := newTestPool(t, 0)
	launcher.autoShutdown = false
	pool.Start()

	assert.NoError(t, pool.LaunchJob(testJobInfo("job-1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, pool.Close(ctx))

	assert.Eventually(t, func() bool {
		return launcher.proc(0).wasKilled()
	}, time.Second, time.Millisecond)
}
