package sfm

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// StatusSummary is the compact run description published on <prefix>/status.
type StatusSummary struct {
	Stage          string  `json:"stage"`
	Views          int     `json:"views"`
	ValidViews     int     `json:"validViews"`
	Edges          int     `json:"edges"`
	Inliers        int     `json:"inliers"`
	ThresholdDeg   float64 `json:"thresholdDegrees"`
	L1Iterations   int     `json:"l1Iterations"`
	IRLSIterations int     `json:"irlsIterations"`
	MeanErrorAfter float64 `json:"meanErrorAfter"`
	DurationMs     float64 `json:"durationMs"`
	Error          string  `json:"error,omitempty"`
	Timestamp      int64   `json:"timestamp"`
}

// NewStatusSummary summarizes res.
func NewStatusSummary(res *Result) StatusSummary {
	valid := 0
	for _, v := range res.Valid {
		if v {
			valid++
		}
	}
	return StatusSummary{
		Stage:          res.Stage.String(),
		Views:          res.NumViews(),
		ValidViews:     valid,
		Edges:          len(res.Residuals),
		Inliers:        res.InlierCount,
		ThresholdDeg:   res.Threshold * 180 / math.Pi,
		L1Iterations:   res.L1.Iterations,
		IRLSIterations: res.IRLS.Iterations,
		MeanErrorAfter: res.ErrorAfter.Mean,
		DurationMs:     float64(time.Duration(res.Duration)) / float64(time.Millisecond),
		Timestamp:      res.CompletedAt.Unix(),
	}
}

// Publisher publishes averaging results to MQTT.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	last          *StatusSummary
	logger        *zap.SugaredLogger
	mu            sync.RWMutex
}

// NewPublisher creates a result publisher. MQTT_PUBLISH_PREFIX overrides
// prefix; an empty prefix falls back to DefaultPublishPrefix. A nil client
// disables publishing.
func NewPublisher(client mqtt.Client, prefix string, logger *zap.SugaredLogger) *Publisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Publisher{
		client:        client,
		publishPrefix: envOr("MQTT_PUBLISH_PREFIX", prefix, DefaultPublishPrefix),
		qos:           0,
		retain:        true,
		logger:        logger,
	}
}

// RotationsTopic is where full results are published.
func (p *Publisher) RotationsTopic() string {
	return p.publishPrefix + "/global-rotations"
}

// StatusTopic is where run summaries are published.
func (p *Publisher) StatusTopic() string {
	return p.publishPrefix + "/status"
}

// PublishResult publishes res to the rotations topic and its summary to
// the status topic.
func (p *Publisher) PublishResult(res *Result) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	if err := p.publishJSON(p.RotationsTopic(), res); err != nil {
		return err
	}
	summary := NewStatusSummary(res)
	if err := p.publishStatus(summary); err != nil {
		return err
	}
	p.logger.Infow("Published global rotations",
		"topic", p.RotationsTopic(), "views", summary.ValidViews, "inliers", summary.Inliers)
	return nil
}

// PublishFailure publishes a failed run to the status topic.
func (p *Publisher) PublishFailure(runErr error) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	summary := StatusSummary{Stage: StageFailed.String(), Error: runErr.Error(), Timestamp: time.Now().Unix()}
	var avgErr *AveragingError
	if errors.As(runErr, &avgErr) {
		summary.Stage = avgErr.Stage.String()
	}
	return p.publishStatus(summary)
}

func (p *Publisher) publishStatus(summary StatusSummary) error {
	if err := p.publishJSON(p.StatusTopic(), summary); err != nil {
		return err
	}
	p.mu.Lock()
	p.last = &summary
	p.mu.Unlock()
	return nil
}

func (p *Publisher) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// LastStatus returns the last summary published.
func (p *Publisher) LastStatus() (StatusSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return StatusSummary{}, false
	}
	return *p.last, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// Prefix returns the topic prefix in use.
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// RunPublisher is the subset of Publisher used by the service loop.
type RunPublisher interface {
	PublishResult(res *Result) error
	PublishFailure(err error) error
}

var _ RunPublisher = (*Publisher)(nil)
