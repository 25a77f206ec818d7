package mqtt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rimoric/torcia-sub001/common/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient() *Client {
	cfg := &config.MQTTConfig{
		Broker:         "tcp://127.0.0.1:1",
		ClientID:       "torcia-test",
		ConnectTimeout: 2 * time.Second,
		WillTopic:      "plc/client/status",
	}
	return NewClient(cfg, zap.NewNop())
}

func TestPresencePayload(t *testing.T) {
	var p presence
	require.NoError(t, json.Unmarshal(presencePayload("offline"), &p))
	assert.Equal(t, "offline", p.Status)
	assert.InDelta(t, time.Now().UnixMilli(), p.Timestamp, 5000)
}

func TestSession_Closed(t *testing.T) {
	s := &Session{client: newTestClient()}
	s.Close()

	assert.ErrorIs(t, s.Publish("plc/x", 1, false, []byte("{}")), ErrNoSession)
	assert.ErrorIs(t, s.Subscribe("plc/+/+", 1), ErrNoSession)
	assert.ErrorIs(t, s.Unsubscribe("plc/+/+"), ErrNoSession)
	assert.False(t, s.IsConnected())

	// 重复关闭无副作用
	s.Close()
}

func TestClient_ConnectRefused(t *testing.T) {
	c := newTestClient()

	s, err := c.Connect(context.Background(), func(string, []byte) error { return nil }, nil)
	require.Error(t, err)
	assert.Nil(t, s)
	assert.Contains(t, err.Error(), "failed to connect to MQTT broker")
}

func TestClient_ConnectCanceled(t *testing.T) {
	c := newTestClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := c.Connect(ctx, func(string, []byte) error { return nil }, nil)
	require.Error(t, err)
	assert.Nil(t, s)
}
