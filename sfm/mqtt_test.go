package sfm

import (
	"context"
	"errors"
	"sync"
	"testing"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// ----------------------------------------------------------------------------
// MockClient
// ----------------------------------------------------------------------------

func TestMockClient_ConnectRunsOnConnect(t *testing.T) {
	mock := NewMockClient()
	called := false
	mock.SetOnConnect(func(mqtt.Client) { called = true })

	token := mock.Connect()
	require.NoError(t, token.Error())
	assert.True(t, mock.IsConnected())
	assert.True(t, called)
}

func TestMockClient_ConnectError(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnectError(errors.New("refused"))

	token := mock.Connect()
	assert.EqualError(t, token.Error(), "refused")
	assert.False(t, mock.IsConnected())
}

func TestMockClient_Publish(t *testing.T) {
	mock := NewMockClient()

	token := mock.Publish("a/b", 0, false, []byte("x"))
	assert.ErrorIs(t, token.Error(), mqtt.ErrNotConnected)

	mock.SetConnected(true)
	require.NoError(t, mock.Publish("a/b", 1, true, []byte("payload")).Error())
	require.NoError(t, mock.Publish("a/c", 0, false, "text").Error())

	msgs := mock.Published()
	require.Len(t, msgs, 2)
	assert.Equal(t, MockMessage{Topic: "a/b", Payload: []byte("payload"), QoS: 1, Retain: true}, msgs[0])
	assert.Equal(t, []byte("text"), msgs[1].Payload)
	assert.Len(t, mock.PublishedTo("a/c"), 1)

	mock.SetPublishError(errors.New("full"))
	assert.Error(t, mock.Publish("a/b", 0, false, []byte("x")).Error())
}

func TestMockClient_SubscribeAndDeliver(t *testing.T) {
	mock := NewMockClient()
	var got []byte
	handler := func(_ mqtt.Client, msg mqtt.Message) { got = msg.Payload() }

	assert.Error(t, mock.Subscribe("t", 0, handler).Error())
	mock.SetConnected(true)
	require.NoError(t, mock.Subscribe("t", 0, handler).Error())
	assert.True(t, mock.Subscribed("t"))

	assert.True(t, mock.Deliver("t", []byte("hello")))
	assert.Equal(t, []byte("hello"), got)
	assert.False(t, mock.Deliver("other", []byte("x")))

	mock.Unsubscribe("t")
	assert.False(t, mock.Subscribed("t"))

	mock.SetSubscribeError(errors.New("denied"))
	assert.Error(t, mock.Subscribe("t", 0, handler).Error())
}

// ----------------------------------------------------------------------------
// MQTTClient
// ----------------------------------------------------------------------------

func TestInitMQTT_Disabled(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	client, err := InitMQTT(context.Background(), DefaultConfig(), nil, zaptest.NewLogger(t).Sugar())
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestEnvOr(t *testing.T) {
	t.Setenv("ROTAMESH_TEST_ENV", "")
	assert.Equal(t, "b", envOr("ROTAMESH_TEST_ENV", "", "b", "c"))
	assert.Equal(t, "", envOr("ROTAMESH_TEST_ENV"))
	t.Setenv("ROTAMESH_TEST_ENV", "a")
	assert.Equal(t, "a", envOr("ROTAMESH_TEST_ENV", "b"))
}

func TestMQTTClient_RequestTopic(t *testing.T) {
	t.Setenv("MQTT_REQUEST_TOPIC", "")
	cfg := DefaultConfig()
	assert.Equal(t, DefaultRequestTopic, newMQTTClient(nil, cfg, nil, nil).RequestTopic())

	cfg.MQTT.RequestTopic = "lab/rel"
	assert.Equal(t, "lab/rel", newMQTTClient(nil, cfg, nil, nil).RequestTopic())

	t.Setenv("MQTT_REQUEST_TOPIC", "env/rel")
	assert.Equal(t, "env/rel", newMQTTClient(nil, cfg, nil, nil).RequestTopic())
}

func TestMQTTClient_HandlesRequests(t *testing.T) {
	t.Setenv("MQTT_REQUEST_TOPIC", "")
	mock := NewMockClient()

	var mu sync.Mutex
	var reqs []*AveragingRequest
	var errs []error
	handler := func(req *AveragingRequest, err error) {
		mu.Lock()
		defer mu.Unlock()
		reqs = append(reqs, req)
		errs = append(errs, err)
	}

	c := newMQTTClient(mock, DefaultConfig(), handler, zaptest.NewLogger(t).Sugar())
	mock.SetOnConnect(c.onConnect)
	c.connectWithRetry(context.Background())

	assert.True(t, c.IsConnected())
	require.True(t, mock.Subscribed(DefaultRequestTopic))

	mock.Deliver(DefaultRequestTopic, []byte(`{"reference": 1, "relativeRotations": [{"i":0,"j":1,"rotation":[1,0,0,0,1,0,0,0,1],"weight":1}]}`))
	mock.Deliver(DefaultRequestTopic, []byte(`not json`))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reqs, 2)
	require.NoError(t, errs[0])
	assert.Equal(t, ViewID(1), reqs[0].ReferenceOr(0))
	assert.Len(t, reqs[0].RelativeRotations, 1)
	assert.Nil(t, reqs[1])
	assert.Error(t, errs[1])
}

func TestMQTTClient_SubscribeOutcomeIsLogged(t *testing.T) {
	t.Setenv("MQTT_REQUEST_TOPIC", "")

	tests := []struct {
		name    string
		setup   func(m *MockClient)
		wantMsg string
		level   zapcore.Level
	}{
		{"confirmed", func(m *MockClient) {}, "Subscribed", zapcore.InfoLevel},
		{"unconfirmed", func(m *MockClient) { m.SetSubscribePending(true) }, "Subscribe not confirmed in time", zapcore.WarnLevel},
		{"rejected", func(m *MockClient) { m.SetSubscribeError(errors.New("not authorized")) }, "Subscribe failed", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			mock := NewMockClient()
			mock.SetConnected(true)
			tt.setup(mock)

			c := newMQTTClient(mock, DefaultConfig(), nil, zap.New(core).Sugar())
			c.onConnect(mock)

			entries := logs.FilterMessage(tt.wantMsg).All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0].Level)
			if tt.name != "confirmed" {
				assert.Zero(t, logs.FilterMessage("Subscribed").Len())
			}
		})
	}
}

func TestMQTTClient_RetryStopsOnCancel(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnectError(errors.New("refused"))
	c := newMQTTClient(mock, DefaultConfig(), nil, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.connectWithRetry(ctx)
	assert.False(t, c.IsConnected())
}

func TestMQTTClient_Disconnect(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	c := newMQTTClient(mock, nil, nil, nil)
	c.setConnected(true)

	c.Disconnect()
	assert.False(t, c.IsConnected())
	assert.False(t, mock.IsConnected())
	assert.Equal(t, mqtt.Client(mock), c.GetClient())
}

func TestMQTTClient_ConnectionLost(t *testing.T) {
	c := newMQTTClient(NewMockClient(), nil, nil, nil)
	c.setConnected(true)
	c.onConnectionLost(nil, errors.New("eof"))
	assert.False(t, c.IsConnected())
}
