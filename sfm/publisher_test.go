package sfm

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublisher(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	publisher := NewPublisher(nil, "", nil)
	if publisher.Prefix() != DefaultPublishPrefix {
		t.Errorf("Default prefix = %s, want %s", publisher.Prefix(), DefaultPublishPrefix)
	}
	if publisher.qos != 0 {
		t.Errorf("Default QoS = %d, want 0", publisher.qos)
	}
	if !publisher.retain {
		t.Error("Default retain should be true")
	}

	publisher = NewPublisher(nil, "lab", nil)
	assert.Equal(t, "lab/global-rotations", publisher.RotationsTopic())
	assert.Equal(t, "lab/status", publisher.StatusTopic())

	t.Setenv("MQTT_PUBLISH_PREFIX", "env")
	assert.Equal(t, "env", NewPublisher(nil, "lab", nil).Prefix())
}

func TestPublisher_SetQoS(t *testing.T) {
	publisher := NewPublisher(nil, "", nil)
	for _, qos := range []byte{0, 1, 2} {
		publisher.SetQoS(qos)
		assert.Equal(t, qos, publisher.qos)
	}
	publisher.SetQoS(3)
	assert.Equal(t, byte(2), publisher.qos, "invalid QoS must be ignored")

	publisher.SetRetain(false)
	assert.False(t, publisher.retain)
}

func TestPublisher_NotConnected(t *testing.T) {
	res := &Result{}
	assert.Error(t, NewPublisher(nil, "", nil).PublishResult(res))

	mock := NewMockClient()
	publisher := NewPublisher(mock, "", nil)
	assert.Error(t, publisher.PublishResult(res))
	assert.Error(t, publisher.PublishFailure(errors.New("x")))
	_, ok := publisher.LastStatus()
	assert.False(t, ok)
}

func TestPublisher_PublishResult(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	rel, _ := ringScene(8, 3, true, true)
	res, err := NewAverager(DefaultAveragingConfig(), nil).Average(rel, 8, 0, 0)
	require.NoError(t, err)

	mock := NewMockClient()
	mock.SetConnected(true)
	publisher := NewPublisher(mock, "rm", nil)
	require.NoError(t, publisher.PublishResult(res))

	rot := mock.PublishedTo("rm/global-rotations")
	require.Len(t, rot, 1)
	assert.True(t, rot[0].Retain)
	var decoded Result
	require.NoError(t, json.Unmarshal(rot[0].Payload, &decoded))
	assert.Equal(t, res.Rotations, decoded.Rotations)
	assert.Equal(t, res.Inliers, decoded.Inliers)

	status := mock.PublishedTo("rm/status")
	require.Len(t, status, 1)
	var summary StatusSummary
	require.NoError(t, json.Unmarshal(status[0].Payload, &summary))
	assert.Equal(t, "done", summary.Stage)
	assert.Equal(t, 8, summary.Views)
	assert.Equal(t, 8, summary.ValidViews)
	assert.Equal(t, len(rel), summary.Edges)
	assert.Equal(t, len(rel)-1, summary.Inliers)
	assert.Empty(t, summary.Error)

	last, ok := publisher.LastStatus()
	require.True(t, ok)
	assert.Equal(t, summary, last)
}

func TestPublisher_PublishFailure(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := NewMockClient()
	mock.SetConnected(true)
	publisher := NewPublisher(mock, "rm", nil)

	runErr := fmt.Errorf("request 3: %w", &AveragingError{Stage: StageMSTBuilt, Err: ErrDisconnectedGraph})
	require.NoError(t, publisher.PublishFailure(runErr))

	last, ok := publisher.LastStatus()
	require.True(t, ok)
	assert.Equal(t, "mst-built", last.Stage)
	assert.Contains(t, last.Error, "disconnected")
	assert.Empty(t, mock.PublishedTo("rm/global-rotations"))

	require.NoError(t, publisher.PublishFailure(errors.New("bad payload")))
	last, _ = publisher.LastStatus()
	assert.Equal(t, "failed", last.Stage)
}

func TestPublisher_PublishError(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetPublishError(errors.New("broker full"))
	publisher := NewPublisher(mock, "rm", nil)

	err := publisher.PublishResult(&Result{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rm/global-rotations")
}
