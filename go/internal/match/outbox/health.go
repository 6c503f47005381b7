package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
)

type HealthStatus struct {
	Healthy       bool            `json:"healthy"`
	RelayRunning  bool            `json:"relay_running"`
	NATSConnected bool            `json:"nats_connected"`
	PendingEvents int             `json:"pending_events"`
	Counters      CounterSnapshot `json:"counters"`
	Errors        []string        `json:"errors,omitempty"`
	CheckedAt     time.Time       `json:"checked_at"`
}

// PendingCounter reports the outbox backlog.
type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

type HealthChecker struct {
	relay    *Relay
	pending  PendingCounter
	natsConn *nats.Conn
	counters *Counters
	maxLag   int
}

func NewHealthChecker(relay *Relay, pending PendingCounter, natsConn *nats.Conn, counters *Counters, maxLag int) *HealthChecker {
	return &HealthChecker{relay: relay, pending: pending, natsConn: natsConn, counters: counters, maxLag: maxLag}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{Healthy: true, CheckedAt: time.Now().UTC()}

	status.RelayRunning = h.relay.Running()
	if !status.RelayRunning {
		status.Healthy = false
		status.Errors = append(status.Errors, "relay not running")
	}

	if h.natsConn != nil {
		status.NATSConnected = h.natsConn.IsConnected()
		if !status.NATSConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	if h.pending != nil {
		pending, err := h.pending.CountPending(ctx)
		if err != nil {
			status.Healthy = false
			status.Errors = append(status.Errors, err.Error())
		}
		status.PendingEvents = pending
		if h.maxLag > 0 && pending > h.maxLag {
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("%d events pending", pending))
		}
	}

	if h.counters != nil {
		status.Counters = h.counters.Snapshot()
	}
	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
