package sfm

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunStatus describes the tracker's run history.
type RunStatus struct {
	Runs        int       `json:"runs"`
	Failures    int       `json:"failures"`
	LastError   string    `json:"lastError,omitempty"`
	LastStage   string    `json:"lastStage,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	HasResult   bool      `json:"hasResult"`
}

// StateTracker keeps the latest result, the request it was computed from
// and the latest request overall for the HTTP endpoints.
type StateTracker struct {
	mu            sync.RWMutex
	request       *AveragingRequest // latest run, failed or not
	result        *Result
	resultRequest *AveragingRequest // the run that produced result
	status    RunStatus
	cachePath string // empty disables persistence
	logger    *zap.SugaredLogger
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{logger: zap.NewNop().Sugar()}
}

// NewStateTrackerWithCache creates a tracker that persists every result to
// cachePath and starts from the cached result when the file exists.
func NewStateTrackerWithCache(cachePath string, logger *zap.SugaredLogger) *StateTracker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	st := &StateTracker{cachePath: cachePath, logger: logger}
	if cachePath == "" {
		return st
	}
	res, err := LoadResult(cachePath)
	if err != nil {
		logger.Warnw("Ignoring unreadable result cache", "path", cachePath, "error", err)
		return st
	}
	if res != nil {
		st.result = res
		st.status.HasResult = true
		st.status.LastStage = res.Stage.String()
		st.status.LastUpdated = res.CompletedAt
		logger.Infow("Loaded cached result", "path", cachePath, "views", res.NumViews())
	}
	return st
}

// Update records a successful run.
func (st *StateTracker) Update(req *AveragingRequest, res *Result) {
	st.mu.Lock()
	st.request = cloneRequest(req)
	st.resultRequest = st.request
	st.result = cloneResult(res)
	st.status.Runs++
	st.status.LastError = ""
	st.status.LastStage = res.Stage.String()
	st.status.LastUpdated = time.Now()
	st.status.HasResult = true
	cachePath := st.cachePath
	st.mu.Unlock()

	if cachePath != "" {
		if err := SaveResult(cachePath, res); err != nil {
			st.logger.Warnw("Failed to save result cache", "path", cachePath, "error", err)
		}
	}
}

// RecordFailure records a failed run. The previous result and the request
// behind it are kept.
func (st *StateTracker) RecordFailure(req *AveragingRequest, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if req != nil {
		st.request = cloneRequest(req)
	}
	st.status.Runs++
	st.status.Failures++
	st.status.LastError = err.Error()
	st.status.LastStage = StageFailed.String()
	var avgErr *AveragingError
	if errors.As(err, &avgErr) {
		st.status.LastStage = avgErr.Stage.String()
	}
	st.status.LastUpdated = time.Now()
}

// Result returns a copy of the latest result, or nil.
func (st *StateTracker) Result() *Result {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return cloneResult(st.result)
}

// Snapshot returns copies of the latest result and of the relative
// rotations it was computed from, read together. Both are nil before the
// first success; the edges are nil for a result loaded from the cache.
func (st *StateTracker) Snapshot() (*Result, RelativeRotations) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.result == nil {
		return nil, nil
	}
	var rel RelativeRotations
	if st.resultRequest != nil {
		rel = append(RelativeRotations(nil), st.resultRequest.RelativeRotations...)
	}
	return cloneResult(st.result), rel
}

// Request returns a copy of the request behind the latest run, or nil.
func (st *StateTracker) Request() *AveragingRequest {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return cloneRequest(st.request)
}

// HasResult reports whether any run succeeded.
func (st *StateTracker) HasResult() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.result != nil
}

// Status returns the run history.
func (st *StateTracker) Status() RunStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.status
}

func cloneRequest(req *AveragingRequest) *AveragingRequest {
	if req == nil {
		return nil
	}
	out := *req
	if req.Reference != nil {
		ref := *req.Reference
		out.Reference = &ref
	}
	if req.ThresholdDegrees != nil {
		th := *req.ThresholdDegrees
		out.ThresholdDegrees = &th
	}
	out.RelativeRotations = append(RelativeRotations(nil), req.RelativeRotations...)
	return &out
}

func cloneResult(res *Result) *Result {
	if res == nil {
		return nil
	}
	out := *res
	out.Rotations = append([]Rotation(nil), res.Rotations...)
	out.Valid = append([]bool(nil), res.Valid...)
	out.Inliers = append([]bool(nil), res.Inliers...)
	out.Residuals = append([]float64(nil), res.Residuals...)
	return &out
}
