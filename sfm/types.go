package sfm

import (
	"math"
	"strconv"
	"time"
)

// ViewID identifies a view (camera image).
type ViewID uint32

// RelativeRotation is a measured rotation between two views.
// R carries view I's frame into view J's frame: R = R_J · R_Iᵀ.
type RelativeRotation struct {
	I      ViewID   `json:"i"`
	J      ViewID   `json:"j"`
	R      Rotation `json:"rotation"`
	Weight float64  `json:"weight"` // confidence, higher is better
}

// RelativeRotations is an ordered collection of relative rotation measurements.
type RelativeRotations []RelativeRotation

// NumViews returns 1 + the largest view id referenced, or 0 when empty.
func (rel RelativeRotations) NumViews() int {
	if len(rel) == 0 {
		return 0
	}
	var maxID ViewID
	for _, r := range rel {
		maxID = max(maxID, r.I, r.J)
	}
	return int(maxID) + 1
}

// Config represents the complete configuration file structure
type Config struct {
	Averaging AveragingConfig `yaml:"averaging" json:"averaging"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// AveragingConfig holds the rotation averaging parameters.
type AveragingConfig struct {
	ReferenceView ViewID `yaml:"referenceView" json:"referenceView"`

	// SigmaDegrees is the IRLS robust kernel scale.
	SigmaDegrees float64 `yaml:"sigmaDegrees" json:"sigmaDegrees"`

	// MaxIterations caps each refinement stage.
	MaxIterations int `yaml:"maxIterations" json:"maxIterations"`

	// AbsoluteTolerance stops a stage once the correction norm drops to it.
	AbsoluteTolerance float64 `yaml:"absoluteTolerance" json:"absoluteTolerance"`

	// RelativeTolerance stops a stage once the relative decrease of the
	// correction norm drops to it.
	RelativeTolerance float64 `yaml:"relativeTolerance" json:"relativeTolerance"`

	// DivergenceNorm is the smallest grown correction norm (radians) treated
	// as divergence on a stage's first comparison.
	DivergenceNorm float64 `yaml:"divergenceNorm" json:"divergenceNorm"`

	// OutlierThresholdDegrees: 0 selects X84, negative disables filtering.
	OutlierThresholdDegrees float64 `yaml:"outlierThresholdDegrees" json:"outlierThresholdDegrees"`

	X84Multiplier float64 `yaml:"x84Multiplier" json:"x84Multiplier"`

	// ParallelThreshold is the edge count from which residuals are
	// evaluated concurrently; 0 keeps it serial.
	ParallelThreshold int `yaml:"parallelThreshold" json:"parallelThreshold"`

	L1 L1SolverOptions `yaml:"l1" json:"l1"`
}

// L1SolverOptions tunes the ADMM least-absolute-deviation solver.
type L1SolverOptions struct {
	MaxIterations     int     `yaml:"maxIterations" json:"maxIterations"`
	Rho               float64 `yaml:"rho" json:"rho"`
	Alpha             float64 `yaml:"alpha" json:"alpha"`
	AbsoluteTolerance float64 `yaml:"absoluteTolerance" json:"absoluteTolerance"`
	RelativeTolerance float64 `yaml:"relativeTolerance" json:"relativeTolerance"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	RequestTopic  string `yaml:"requestTopic" json:"requestTopic"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
}

// HTTPConfig contains the HTTP server settings
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// LoggingConfig selects the log level ("debug", "info", "warn", "error").
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Sigma returns the IRLS kernel scale in radians.
func (c AveragingConfig) Sigma() float64 {
	return c.SigmaDegrees * math.Pi / 180
}

// OutlierThreshold returns the configured outlier threshold in radians.
func (c AveragingConfig) OutlierThreshold() float64 {
	return c.OutlierThresholdDegrees * math.Pi / 180
}

// AveragingRequest is a batch of relative rotations submitted for averaging.
type AveragingRequest struct {
	Reference *ViewID `json:"reference,omitempty"`
	NumViews  int     `json:"numViews,omitempty"`
	// ThresholdDegrees overrides the configured outlier threshold when set.
	ThresholdDegrees  *float64          `json:"thresholdDegrees,omitempty"`
	RelativeRotations RelativeRotations `json:"relativeRotations"`
}

// ErrorStats summarizes the Frobenius error ‖Rij - Rj·Riᵀ‖ over all edges.
type ErrorStats struct {
	Min  float64 `json:"min"`
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
}

// StageReport describes one refinement stage.
type StageReport struct {
	Iterations int     `json:"iterations"`
	Converged  bool    `json:"converged"`
	FinalNorm  float64 `json:"finalNorm"`
	// Stopped is true when the stage ended on a growing correction
	// that was not applied.
	Stopped bool `json:"stopped,omitempty"`
}

// Result is the outcome of one averaging run.
type Result struct {
	Reference ViewID     `json:"reference"`
	Rotations []Rotation `json:"rotations"`
	// Valid marks views that took part in averaging. Other slots keep
	// the identity (or the caller's value for GlobalRotationsRobust).
	Valid []bool `json:"valid"`

	Inliers     []bool    `json:"inliers,omitempty"`
	InlierCount int       `json:"inlierCount"`
	Threshold   float64   `json:"threshold"` // radians, 0 when not filtered
	Residuals   []float64 `json:"residuals"` // radians, per input edge

	TreeEdges   int         `json:"treeEdges"`
	L1          StageReport `json:"l1"`
	IRLS        StageReport `json:"irls"`
	ErrorBefore ErrorStats  `json:"errorBefore"`
	ErrorAfter  ErrorStats  `json:"errorAfter"`
	Stage       Stage       `json:"stage"`
	Duration    Duration    `json:"duration"`
	CompletedAt time.Time   `json:"completedAt"`
}

// NumViews returns the number of rotation slots in the result.
func (r *Result) NumViews() int {
	return len(r.Rotations)
}

// Duration marshals as fractional milliseconds.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	ms := float64(time.Duration(d)) / float64(time.Millisecond)
	return strconv.AppendFloat(nil, ms, 'f', 3, 64), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*d = Duration(ms * float64(time.Millisecond))
	return nil
}
