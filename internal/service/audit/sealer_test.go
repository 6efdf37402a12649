package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/guardvault/internal/integrity"
	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/service/audit"
	"github.com/ashita-ai/guardvault/internal/service/vaults"
	"github.com/ashita-ai/guardvault/internal/storage/sqlite"
	"github.com/ashita-ai/guardvault/internal/testutil"
	"github.com/ashita-ai/guardvault/internal/vault"
)

type recordingArchiver struct {
	batches [][]model.RecordedEvent
}

func (r *recordingArchiver) Archive(_ context.Context, id vault.VaultID, events []model.RecordedEvent) (string, error) {
	r.batches = append(r.batches, events)
	return id.String() + "/batch", nil
}

// tamperingStore rewrites the amount of one stored event on read.
type tamperingStore struct {
	*sqlite.Store
	seq int64
}

func (t *tamperingStore) ListEvents(ctx context.Context, id vault.VaultID, after int64, limit int) ([]model.RecordedEvent, error) {
	events, err := t.Store.ListEvents(ctx, id, after, limit)
	for i := range events {
		if events[i].Seq == t.seq {
			events[i].Event.Amount++
		}
	}
	return events, err
}

func setup(t *testing.T) (*sqlite.Store, *vaults.Service, vault.VaultID) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, ":memory:", testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(ctx) })

	svc := vaults.New(store, testutil.NewClock(time.Now()), testutil.TestLogger())
	res, err := svc.CreateVault(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, svc.Fund(ctx, "alice", "USDC", 100))
	_, err = svc.Deposit(ctx, res.Vault.ID, "alice", "USDC", 100)
	require.NoError(t, err)
	return store, svc, res.Vault.ID
}

func TestSealChainsBatches(t *testing.T) {
	ctx := context.Background()
	store, svc, id := setup(t)
	arch := &recordingArchiver{}
	sealer := audit.NewSealer(store, arch, testutil.TestLogger())

	first, err := sealer.Seal(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, int64(1), first.FirstSeq)
	assert.Equal(t, int64(2), first.LastSeq)
	assert.Nil(t, first.PreviousRoot)
	require.NotNil(t, first.ArchiveKey)

	events, err := store.ListEvents(ctx, id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, integrity.BuildMerkleRoot([]string{events[0].Hash, events[1].Hash}), first.RootHash)

	none, err := sealer.Seal(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = svc.Pause(ctx, id, "alice")
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, id, "alice", "USDC", 40)
	require.NoError(t, err)

	second, err := sealer.Seal(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, int64(3), second.FirstSeq)
	assert.Equal(t, int64(4), second.LastSeq)
	require.NotNil(t, second.PreviousRoot)
	assert.Equal(t, first.RootHash, *second.PreviousRoot)

	require.Len(t, arch.batches, 2)
	assert.Len(t, arch.batches[1], 2)

	latest, err := store.GetLatestIntegrityProof(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestSealBatchSize(t *testing.T) {
	ctx := context.Background()
	store, svc, id := setup(t)
	for range 3 {
		_, err := svc.Pause(ctx, id, "alice")
		require.NoError(t, err)
		_, err = svc.Unpause(ctx, id, "alice")
		require.NoError(t, err)
	}

	sealer := audit.NewSealer(store, nil, testutil.TestLogger()).WithBatchSize(3)
	var ranges [][2]int64
	for {
		p, err := sealer.Seal(ctx, id)
		require.NoError(t, err)
		if p == nil {
			break
		}
		assert.Nil(t, p.ArchiveKey)
		ranges = append(ranges, [2]int64{p.FirstSeq, p.LastSeq})
	}
	assert.Equal(t, [][2]int64{{1, 3}, {4, 6}, {7, 8}}, ranges)
}

func TestSealDetectsTampering(t *testing.T) {
	ctx := context.Background()
	store, _, id := setup(t)

	sealer := audit.NewSealer(&tamperingStore{Store: store, seq: 2}, nil, testutil.TestLogger())
	_, err := sealer.Seal(ctx, id)
	assert.ErrorContains(t, err, "seq 2 hash mismatch")

	assert.Equal(t, 0, sealer.SealAll(ctx))
	proof, err := store.GetLatestIntegrityProof(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, proof)
}

func TestSealAll(t *testing.T) {
	ctx := context.Background()
	store, svc, _ := setup(t)
	_, err := svc.CreateVault(ctx, "bob")
	require.NoError(t, err)

	sealer := audit.NewSealer(store, nil, testutil.TestLogger())
	assert.Equal(t, 2, sealer.SealAll(ctx))
	assert.Equal(t, 0, sealer.SealAll(ctx))
}

func TestRunStopsOnCancel(t *testing.T) {
	store, _, id := setup(t)
	sealer := audit.NewSealer(store, nil, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sealer.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		p, err := store.GetLatestIntegrityProof(context.Background(), id)
		return err == nil && p != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
