// Package emitter publishes finished session results to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"TrafficDetServer/config"
	iface "TrafficDetServer/interface"
	"TrafficDetServer/logger"
	"TrafficDetServer/processor"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("mqtt not connected")

// SessionEvent is the payload published when a session ends.
type SessionEvent struct {
	SessionID        string                 `json:"session_id"`
	Filename         string                 `json:"filename"`
	Status           processor.Status       `json:"status"`
	Message          string                 `json:"message"`
	TotalFrames      int                    `json:"total_frames"`
	ProcessedFrames  int                    `json:"processed_frames"`
	DetectedVehicles int                    `json:"detected_vehicles"`
	CumulativeTotal  int                    `json:"cumulative_total"`
	CumulativeCounts map[iface.Category]int `json:"cumulative_counts"`
	OutputFile       string                 `json:"output_file,omitempty"`
	Timestamp        int64                  `json:"timestamp"`
}

func EventFromSnapshot(s processor.Snapshot, now time.Time) SessionEvent {
	return SessionEvent{
		SessionID:        s.SessionID,
		Filename:         s.Filename,
		Status:           s.Status,
		Message:          s.Message,
		TotalFrames:      s.TotalFrames,
		ProcessedFrames:  s.CurrentFrame,
		DetectedVehicles: s.DetectedVehicles,
		CumulativeTotal:  s.CumulativeTotal,
		CumulativeCounts: s.CumulativeCounts,
		OutputFile:       s.OutputFile,
		Timestamp:        now.Unix(),
	}
}

// publisher is the subset of mqtt.Client the emitter needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

type MQTTEmitter struct {
	cfg    config.MQTTConfig
	Client mqtt.Client
	pub    publisher

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

func NewMQTTEmitter(cfg config.MQTTConfig) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect dials the broker. The client reconnects on its own after a lost
// connection.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	log := logger.Named("emitter")
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		log.Info("MQTT connection established", zap.String("broker", e.cfg.Broker))
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		log.Warn("MQTT connection lost, waiting for reconnect", zap.Error(err))
	}

	e.Client = mqtt.NewClient(opts)
	e.pub = e.Client

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		e.abandon()
		return ctx.Err()
	case <-time.After(5 * time.Second):
		e.abandon()
		return errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		e.abandon()
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// abandon stops a client whose first connect failed, including its retry loop.
func (e *MQTTEmitter) abandon() {
	e.Client.Disconnect(0)
	e.setConnected(false)
}

// Topic returns the topic a session with the given status is published on.
func (e *MQTTEmitter) Topic(status processor.Status) string {
	return fmt.Sprintf("%s/%s", e.cfg.Topic, status)
}

func (e *MQTTEmitter) Publish(event SessionEvent) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}
	payload, err := json.Marshal(event)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := e.Topic(event.Status)
	token := e.pub.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	logger.Log().Debug("Session event published", zap.String("topic", topic), zap.Int("size", len(payload)))
	return nil
}

// SessionFinished publishes the final snapshot of a session.
func (e *MQTTEmitter) SessionFinished(ctx context.Context, snap processor.Snapshot) error {
	return e.Publish(EventFromSnapshot(snap, time.Now()))
}

func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		logger.Log().Info("MQTT disconnected")
	}
	e.setConnected(false)
}

func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
