package runstore

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndHistory(t *testing.T) {
	s := openTestStore(t)
	runID := uuid.New()

	snapshots := []Metrics{
		{Step: 48, Epoch: 0, TrainLoss: 4.5, TrainAcc: 0.02, ValLoss: 4.6, ValAcc: 0.01},
		{Step: 96, Epoch: 1, TrainLoss: 3.1, TrainAcc: 0.15, ValLoss: 4.4, ValAcc: 0.02},
		{Step: 144, Epoch: 2, TrainLoss: 1.2, TrainAcc: 0.70, ValLoss: 4.1, ValAcc: 0.03},
	}
	for _, m := range snapshots {
		require.NoError(t, s.Record(runID, m))
	}

	got, err := s.History(runID)
	require.NoError(t, err)
	assert.Equal(t, snapshots, got)
}

func TestHistory_StepOrder(t *testing.T) {
	s := openTestStore(t)
	runID := uuid.New()

	// Insert out of order; the zero-padded key layout restores step order.
	for _, step := range []int{5000, 1, 250} {
		require.NoError(t, s.Record(runID, Metrics{Step: step}))
	}

	got, err := s.History(runID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Step)
	assert.Equal(t, 250, got[1].Step)
	assert.Equal(t, 5000, got[2].Step)
}

func TestHistory_IsolatedPerRun(t *testing.T) {
	s := openTestStore(t)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, s.Record(a, Metrics{Step: 1, TrainAcc: 0.5}))
	require.NoError(t, s.Record(b, Metrics{Step: 1, TrainAcc: 0.9}))

	histA, err := s.History(a)
	require.NoError(t, err)
	require.Len(t, histA, 1)
	assert.Equal(t, 0.5, histA[0].TrainAcc)

	histB, err := s.History(b)
	require.NoError(t, err)
	require.Len(t, histB, 1)
	assert.Equal(t, 0.9, histB[0].TrainAcc)
}

func TestHistory_EmptyRun(t *testing.T) {
	s := openTestStore(t)
	got, err := s.History(uuid.New())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecord_OverwritesStep(t *testing.T) {
	s := openTestStore(t)
	runID := uuid.New()

	require.NoError(t, s.Record(runID, Metrics{Step: 10, TrainAcc: 0.1}))
	require.NoError(t, s.Record(runID, Metrics{Step: 10, TrainAcc: 0.2}))

	got, err := s.History(runID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.2, got[0].TrainAcc)
}

func TestRuns(t *testing.T) {
	s := openTestStore(t)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, s.Record(a, Metrics{Step: 1}))
	require.NoError(t, s.Record(a, Metrics{Step: 2}))
	require.NoError(t, s.Record(b, Metrics{Step: 1}))

	runs, err := s.Runs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, runs)
}

func TestOpen_OnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	runID := uuid.New()
	require.NoError(t, s.Record(runID, Metrics{Step: 7, ValAcc: 0.33}))
	require.NoError(t, s.Close())

	// Reopen and confirm the snapshot survived.
	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.History(runID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.33, got[0].ValAcc)
}
