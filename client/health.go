package client

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dan-strohschein/cql-driver/protocol"
)

// HealthMonitor periodically probes an idle connection with OPTIONS and
// closes it once failureThreshold probes in a row have failed, which hands
// the host back to its pool's reconnect loop.
type HealthMonitor struct {
	conn             *Connection
	interval         time.Duration
	failureThreshold int
	failureCount     atomic.Int32
	stopCh           chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
	logger           log.Logger
}

// NewHealthMonitor creates a new health monitor for conn.
func NewHealthMonitor(conn *Connection, interval time.Duration, threshold int) *HealthMonitor {
	return &HealthMonitor{
		conn:             conn,
		interval:         interval,
		failureThreshold: threshold,
		stopCh:           make(chan struct{}),
		logger:           log.With(conn.logger, "component", "health_monitor"),
	}
}

// Start begins the health check monitoring in a background goroutine.
func (h *HealthMonitor) Start() {
	h.wg.Add(1)
	go h.monitorLoop()
}

// Stop stops the health monitor and waits for it to exit.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func (h *HealthMonitor) monitorLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-h.conn.Done():
			return
		case <-ticker.C:
			if h.conn.State() != READY {
				continue
			}
			// Traffic in the last interval already proves liveness.
			if time.Since(h.conn.LastActivity()) < h.interval {
				continue
			}

			if err := h.performHealthCheck(); err != nil {
				failures := h.failureCount.Add(1)
				h.conn.cfg.metrics.heartbeatFailures.Inc()
				level.Warn(h.logger).Log("msg", "heartbeat failed", "err", err, "failures", failures)

				if int(failures) >= h.failureThreshold {
					level.Error(h.logger).Log("msg", "heartbeat failure threshold exceeded, closing connection")
					h.conn.closeWithError(protocol.WrapError(protocol.KindConnectionClosed, "heartbeat failed", err))
					return
				}
			} else if prev := h.failureCount.Swap(0); prev > 0 {
				level.Info(h.logger).Log("msg", "heartbeat recovered", "previous_failures", prev)
			}
		}
	}
}

// performHealthCheck sends OPTIONS and waits up to one interval for SUPPORTED.
func (h *HealthMonitor) performHealthCheck() error {
	f := h.conn.Request(&protocol.Options{})
	if !f.WaitTimed(h.interval) {
		return protocol.NewError(protocol.KindTimeout, "no response to heartbeat", nil)
	}
	resp, err := f.Release()
	if err != nil {
		return err
	}
	if _, ok := resp.(*protocol.Supported); !ok {
		return unexpectedResponse(protocol.OpOptions, resp)
	}
	return nil
}
