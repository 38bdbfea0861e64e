// Package sse implements the bridge fabric's Server-Sent Events distributor:
// a broadcast channel of lifecycle events (bridges/brokers starting,
// connecting, stopping) to every connected admin UI. Grounded on
// original_source/mqttbridge/lib/SSEDistributor.{h,cpp}.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// HeartbeatInterval is the keep-alive comment interval, ported verbatim from
// EventReceiver's 39-second interval timer.
const HeartbeatInterval = 39 * time.Second

// Distributor fans lifecycle events out to every currently connected SSE
// client. It is an explicit value constructed at startup by cmd/mqttbridge,
// which serves it on /events, never a package-level singleton (spec.md §9 decision against global singletons).
type Distributor struct {
	mu                sync.Mutex
	receivers         map[*receiver]struct{}
	nextID            uint64
	onlineSince       time.Time
	heartbeatInterval time.Duration
}

type receiver struct {
	flusher http.Flusher
	w       http.ResponseWriter
	mu      sync.Mutex // serializes writes from broadcast vs heartbeat
}

// New returns a Distributor whose onlineSince is recorded as the current
// time.
func New() *Distributor {
	return &Distributor{
		receivers:         make(map[*receiver]struct{}),
		onlineSince:       time.Now().UTC(),
		heartbeatInterval: HeartbeatInterval,
	}
}

// ServeHTTP registers the requester as an event receiver and blocks,
// streaming events, until the client disconnects. Grounded on
// addEventReceiver + the per-receiver heartbeat timer.
func (d *Distributor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	recv := &receiver{flusher: flusher, w: w}

	d.mu.Lock()
	d.receivers[recv] = struct{}{}
	id := d.nextID
	d.nextID++
	d.mu.Unlock()

	recv.send(d.eventPayload(map[string]any{"at": formatTime(d.onlineSince)}), "bridge-start", fmt.Sprintf("%d", id))

	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			delete(d.receivers, recv)
			d.mu.Unlock()
			return
		case <-ticker.C:
			recv.sendRaw(":keep-alive")
		}
	}
}

func (r *receiver) send(data, event, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event != "" {
		fmt.Fprintf(r.w, "event:%s\n", event)
	}
	if id != "" {
		fmt.Fprintf(r.w, "id:%s\n", id)
	}
	fmt.Fprintf(r.w, "data:%s\n\n", data)
	r.flusher.Flush()
}

func (r *receiver) sendRaw(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%s\n\n", line)
	r.flusher.Flush()
}

func (d *Distributor) eventPayload(fields map[string]any) string {
	b, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (d *Distributor) broadcast(event string, fields map[string]any) {
	data := d.eventPayload(fields)

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	receivers := make([]*receiver, 0, len(d.receivers))
	for r := range d.receivers {
		receivers = append(receivers, r)
	}
	d.mu.Unlock()

	slog.Debug("sse: broadcasting event", "event", event, "data", data)

	for _, r := range receivers {
		r.send(data, event, fmt.Sprintf("%d", id))
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05") + " UTC"
}

func now() map[string]any {
	return map[string]any{"at": formatTime(time.Now())}
}

// BridgesStarting, BridgesStarted, BridgesStopping, and BridgesStopped report
// the fabric-wide bridge lifecycle.
func (d *Distributor) BridgesStarting() { d.broadcast("bridges_starting", now()) }
func (d *Distributor) BridgesStarted()  { d.broadcast("bridges_started", now()) }
func (d *Distributor) BridgesStopping() { d.broadcast("bridges_stopping", now()) }
func (d *Distributor) BridgesStopped()  { d.broadcast("bridges_stopped", now()) }

// BridgeDisabled, BridgeStarting, BridgeStarted, BridgeStopping, and
// BridgeStopped report one named bridge's lifecycle.
func (d *Distributor) BridgeDisabled(name string) {
	d.broadcast("bridge_disabled", withName(name))
}
func (d *Distributor) BridgeStarting(name string) {
	d.broadcast("bridge_starting", withName(name))
}
func (d *Distributor) BridgeStarted(name string) {
	d.broadcast("bridge_started", withName(name))
}
func (d *Distributor) BridgeStopping(name string) {
	d.broadcast("bridge_stopping", withName(name))
}
func (d *Distributor) BridgeStopped(name string) {
	d.broadcast("bridge_stopped", withName(name))
}

func withName(name string) map[string]any {
	f := now()
	f["name"] = name
	return f
}

// BrokerDisabled, BrokerConnecting, BrokerConnected, BrokerDisconnecting, and
// BrokerDisconnected report one broker leg's lifecycle within a bridge.
func (d *Distributor) BrokerDisabled(bridgeName, instanceName string) {
	d.broadcast("broker_disabled", withBridgeInstance(bridgeName, instanceName))
}
func (d *Distributor) BrokerConnecting(bridgeName, instanceName string) {
	d.broadcast("broker_connecting", withBridgeInstance(bridgeName, instanceName))
}
func (d *Distributor) BrokerConnected(bridgeName, instanceName string) {
	d.broadcast("broker_connected", withBridgeInstance(bridgeName, instanceName))
}
func (d *Distributor) BrokerDisconnecting(bridgeName, instanceName string) {
	d.broadcast("broker_disconnecting", withBridgeInstance(bridgeName, instanceName))
}
func (d *Distributor) BrokerDisconnected(bridgeName, instanceName string) {
	d.broadcast("broker_disconnected", withBridgeInstance(bridgeName, instanceName))
}

func withBridgeInstance(bridgeName, instanceName string) map[string]any {
	f := now()
	f["bridge"] = bridgeName
	f["instance"] = instanceName
	return f
}

// ReceiverCount returns the number of currently connected SSE clients, for
// diagnostics.
func (d *Distributor) ReceiverCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.receivers)
}
