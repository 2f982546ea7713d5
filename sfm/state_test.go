package sfm

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func averagedRing(t *testing.T) (*AveragingRequest, *Result) {
	t.Helper()
	rel, _ := ringScene(6, 2, true, false)
	res, err := NewAverager(DefaultAveragingConfig(), nil).Average(rel, 6, 0, 0)
	require.NoError(t, err)
	return &AveragingRequest{RelativeRotations: rel}, res
}

// ---------------------------------------------------------------------------
// NewStateTracker
// ---------------------------------------------------------------------------

func TestNewStateTracker(t *testing.T) {
	st := NewStateTracker()
	if st == nil {
		t.Fatal("NewStateTracker returned nil")
	}
	if st.HasResult() {
		t.Error("new tracker HasResult should be false")
	}
	if st.Result() != nil || st.Request() != nil {
		t.Error("new tracker should hold no request or result")
	}
	if st.Status().Runs != 0 {
		t.Errorf("Runs = %d, want 0", st.Status().Runs)
	}
}

// ---------------------------------------------------------------------------
// Update / RecordFailure
// ---------------------------------------------------------------------------

func TestStateTracker_Update(t *testing.T) {
	st := NewStateTracker()
	req, res := averagedRing(t)
	st.Update(req, res)

	require.True(t, st.HasResult())
	got := st.Result()
	assert.Equal(t, res.Rotations, got.Rotations)

	// returned copies are detached from the tracker
	got.Rotations[0] = Rotation{}
	req.RelativeRotations[0].Weight = 99
	assert.Equal(t, IdentityRotation(), st.Result().Rotations[0])
	assert.NotEqual(t, 99.0, st.Request().RelativeRotations[0].Weight)

	status := st.Status()
	assert.Equal(t, 1, status.Runs)
	assert.Equal(t, 0, status.Failures)
	assert.Equal(t, "done", status.LastStage)
	assert.False(t, status.LastUpdated.IsZero())
}

func TestStateTracker_RecordFailure(t *testing.T) {
	st := NewStateTracker()
	req, res := averagedRing(t)
	st.Update(req, res)

	st.RecordFailure(nil, &AveragingError{Stage: StageInit, Err: ErrEmptyInput})
	status := st.Status()
	assert.Equal(t, 2, status.Runs)
	assert.Equal(t, 1, status.Failures)
	assert.Equal(t, "init", status.LastStage)
	assert.Contains(t, status.LastError, "empty input")
	assert.True(t, st.HasResult(), "a failure keeps the previous result")

	st.RecordFailure(&AveragingRequest{}, errors.New("decode"))
	assert.Equal(t, "failed", st.Status().LastStage)
	assert.Empty(t, st.Request().RelativeRotations)
}

func TestStateTracker_Snapshot(t *testing.T) {
	st := NewStateTracker()
	res, rel := st.Snapshot()
	assert.Nil(t, res)
	assert.Nil(t, rel)

	req, want := averagedRing(t)
	st.Update(req, want)

	failed := &AveragingRequest{RelativeRotations: RelativeRotations{
		{I: 2, J: 0, R: RotationAboutAxis(r3.Vector{Y: 1}, 2.5), Weight: 7},
		{I: 5, J: 6, R: IdentityRotation(), Weight: 1},
	}}
	st.RecordFailure(failed, &AveragingError{Stage: StageMSTBuilt, Err: ErrDisconnectedGraph})

	res, rel = st.Snapshot()
	require.NotNil(t, res)
	assert.Equal(t, want.Rotations, res.Rotations)
	assert.Equal(t, req.RelativeRotations, rel, "edges belong to the run that produced the result")
	assert.Len(t, st.Request().RelativeRotations, 2, "Request reports the failed run")

	// snapshots are detached from the tracker
	rel[0].Weight = 99
	_, again := st.Snapshot()
	assert.NotEqual(t, 99.0, again[0].Weight)
}

func TestStateTracker_Concurrent(t *testing.T) {
	st := NewStateTracker()
	req, res := averagedRing(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			st.Update(req, res)
		}()
		go func() {
			defer wg.Done()
			_ = st.Result()
			_, _ = st.Snapshot()
			_ = st.Status()
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, st.Status().Runs)
}

// ---------------------------------------------------------------------------
// Cache
// ---------------------------------------------------------------------------

func TestStateTracker_Cache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "result.json")
	logger := zaptest.NewLogger(t).Sugar()

	st := NewStateTrackerWithCache(path, logger)
	assert.False(t, st.HasResult())

	req, res := averagedRing(t)
	st.Update(req, res)
	_, err := os.Stat(path)
	require.NoError(t, err)

	reloaded := NewStateTrackerWithCache(path, logger)
	require.True(t, reloaded.HasResult())
	assert.Equal(t, res.Rotations, reloaded.Result().Rotations)
	assert.Equal(t, "done", reloaded.Status().LastStage)
	assert.Equal(t, 0, reloaded.Status().Runs)
}

func TestStateTracker_CorruptCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	st := NewStateTrackerWithCache(path, zaptest.NewLogger(t).Sugar())
	assert.False(t, st.HasResult())
}
