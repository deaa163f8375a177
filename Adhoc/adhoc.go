// Package Adhoc announces this instance to a registration server.
package Adhoc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"TrafficDetServer/config"
	"TrafficDetServer/logger"
	"TrafficDetServer/processor"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

type RegisterRequest struct {
	Id        string           `json:"id"`
	IP        string           `json:"ip"`
	Port      int              `json:"port"`
	GRPCPort  int              `json:"grpcPort"`
	Status    processor.Status `json:"status"`
	SessionID string           `json:"sessionId,omitempty"`
	Progress  float64          `json:"progress"`
	TimeStamp int64            `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type Heartbeat struct {
	ID       string
	IP       string
	HTTPPort int
	GRPCPort int
	Interval time.Duration
	Status   func() processor.Snapshot

	url    string
	client *resty.Client
}

func NewHeartbeat(reg config.RegistryConfig, ip string, httpPort, grpcPort int, status func() processor.Snapshot) *Heartbeat {
	return &Heartbeat{
		ID:       uuid.NewString(),
		IP:       ip,
		HTTPPort: httpPort,
		GRPCPort: grpcPort,
		Interval: TimeOutSeconds * time.Second,
		Status:   status,
		url:      fmt.Sprintf("http://%s:%d/api/register", reg.Host, reg.Port),
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second),
	}
}

// Send posts one registration carrying the current session state.
func (h *Heartbeat) Send(ctx context.Context) error {
	snap := h.Status()
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(RegisterRequest{
			Id:        h.ID,
			IP:        h.IP,
			Port:      h.HTTPPort,
			GRPCPort:  h.GRPCPort,
			Status:    snap.Status,
			SessionID: snap.SessionID,
			Progress:  snap.Progress,
			TimeStamp: time.Now().Unix(),
		}).
		SetResult(&respBody).
		Post(h.url)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("registration refused for %s", h.ID)
	}
	return nil
}

// Run sends a heartbeat immediately and then every Interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	log := logger.Named("adhoc").With(zap.String("id", h.ID), zap.String("url", h.url))
	send := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Heartbeat panic recovered", zap.Any("panic", r))
			}
		}()
		if err := h.Send(ctx); err != nil && ctx.Err() == nil {
			log.Warn("Heartbeat failed", zap.Error(err))
		}
	}

	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	send()
	for {
		select {
		case <-ctx.Done():
			log.Info("Heartbeat stopped")
			return
		case <-ticker.C:
			send()
		}
	}
}

// GetOutboundIP returns the local address used for outbound traffic. No
// packet is sent.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
