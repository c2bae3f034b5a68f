package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/store"
	"github.com/terrpan/atbroker/internal/store/memory"
)

func TestLockRecorder(t *testing.T) {
	mem, err := memory.New(testingclock.NewFakeClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	rec := NewLockRecorder(mem)
	ctx := context.Background()

	j := model.NewJob("r1", "https://a.example.com")
	r, err := model.NewRunner(model.ProviderDev)
	require.NoError(t, err)
	r.JobID = j.ID
	require.NoError(t, rec.InTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.CreateJob(ctx, j))
		return tx.CreateRunner(ctx, r)
	}))

	require.NoError(t, rec.InTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.LockCapacity(ctx))
		_, err := tx.LockJob(ctx, j.ID)
		require.NoError(t, err)
		empty, err := tx.ListRunners(ctx, store.RunnerFilter{JobID: "none"})
		require.NoError(t, err)
		require.Empty(t, empty)
		_, err = tx.LockRunner(ctx, r.ID)
		return err
	}))
	require.NoError(t, rec.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockRunner(ctx, r.ID)
		require.NoError(t, err)
		_, err = tx.LockJobByRemoteID(ctx, "r1")
		return err
	}))

	txs := rec.Take()
	require.Len(t, txs, 3)
	assert.Empty(t, txs[0])
	assert.Equal(t, []string{Capacity, Job, Runner}, txs[1])
	assert.Equal(t, []string{Runner, Job}, OutOfOrder(txs))
	assert.Empty(t, rec.Take())
}
