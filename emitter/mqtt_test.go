package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"TrafficDetServer/config"
	iface "TrafficDetServer/interface"
	"TrafficDetServer/processor"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Done() <-chan struct{}          { c := make(chan struct{}); close(c); return c }
func (t *fakeToken) Error() error                   { return t.err }

type message struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	sent  []message
	token *fakeToken
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.sent = append(p.sent, message{topic: topic, qos: qos, payload: payload.([]byte)})
	return p.token
}

func newTestEmitter(token *fakeToken) (*MQTTEmitter, *fakePublisher) {
	e := NewMQTTEmitter(config.MQTTConfig{Broker: "tcp://broker:1883", Topic: "traffic/sessions", QoS: 1})
	pub := &fakePublisher{token: token}
	e.pub = pub
	e.setConnected(true)
	return e, pub
}

func finished() processor.Snapshot {
	counts := iface.NewCounts()
	counts[iface.Car] = 5
	return processor.Snapshot{
		SessionID:        "s1",
		Filename:         "clip.mp4",
		Status:           processor.StatusCompleted,
		Message:          "Processing completed!",
		TotalFrames:      10,
		CurrentFrame:     10,
		DetectedVehicles: 5,
		CumulativeTotal:  5,
		CumulativeCounts: counts,
		OutputFile:       "processed_clip.mp4",
	}
}

func TestSessionFinishedPublishes(t *testing.T) {
	e, pub := newTestEmitter(&fakeToken{})

	require.NoError(t, e.SessionFinished(context.Background(), finished()))
	require.Len(t, pub.sent, 1)
	msg := pub.sent[0]
	assert.Equal(t, "traffic/sessions/completed", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var ev SessionEvent
	require.NoError(t, json.Unmarshal(msg.payload, &ev))
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, 5, ev.CumulativeCounts[iface.Car])
	assert.Equal(t, 10, ev.ProcessedFrames)
	assert.NotZero(t, ev.Timestamp)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Published["traffic/sessions/completed"])
	assert.Zero(t, stats.Errors)
}

func TestPublishNotConnected(t *testing.T) {
	e, pub := newTestEmitter(&fakeToken{})
	e.setConnected(false)

	assert.ErrorIs(t, e.SessionFinished(context.Background(), finished()), ErrNotConnected)
	assert.Empty(t, pub.sent)
	assert.Equal(t, uint64(1), e.Stats().Errors)
}

func TestPublishTokenErrors(t *testing.T) {
	e, _ := newTestEmitter(&fakeToken{err: errors.New("broker refused")})
	assert.ErrorContains(t, e.Publish(EventFromSnapshot(finished(), time.Now())), "broker refused")

	e, _ = newTestEmitter(&fakeToken{timeout: true})
	assert.ErrorContains(t, e.Publish(EventFromSnapshot(finished(), time.Now())), "timeout")
	assert.Equal(t, uint64(1), e.Stats().Errors)
}

func TestTopicPerStatus(t *testing.T) {
	e := NewMQTTEmitter(config.MQTTConfig{Topic: "t"})
	assert.Equal(t, "t/failed", e.Topic(processor.StatusFailed))
}

func TestConnectFailureStopsClient(t *testing.T) {
	e := NewMQTTEmitter(config.MQTTConfig{Broker: "tcp://127.0.0.1:1", ClientID: "det-test", Topic: "t"})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, e.Connect(ctx), context.DeadlineExceeded)
	require.NotNil(t, e.Client)
	assert.False(t, e.Client.IsConnected())
	assert.False(t, e.Client.IsConnectionOpen())
	assert.False(t, e.Stats().Connected)
	assert.ErrorIs(t, e.Publish(EventFromSnapshot(finished(), time.Now())), ErrNotConnected)
}
