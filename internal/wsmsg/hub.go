// Package wsmsg implements the WebSocket messenger (C4): a client registry
// that fans out server->client events and routes per-client subscriptions
// for log streams, shell sessions, and task output streams.
//
// Grounded on pkg/cc/sse.go's SSEHub (client registry keyed by pointer,
// bounded per-client channel with select/default drop-on-full semantics,
// Register/Unregister/Broadcast), upgraded from one-way SSE framing to
// bidirectional websocket framing using the tagged-union envelope in
// internal/wsproto.
package wsmsg

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/factorialio/scotty/internal/apptypes"
	"github.com/factorialio/scotty/internal/wsproto"
)

// Handler processes one decoded inbound client message. Implemented by the
// root application container (internal/core), which owns the registry,
// task manager, log streamer, and shell session service this hub delegates
// to.
type Handler interface {
	HandleMessage(c *Client, env wsproto.Envelope)
}

// DisconnectHandler is an optional extension a Handler may implement to
// learn when a client's socket has closed, so it can tear down any log
// streams, shell sessions, or task-output subscriptions the client owned
// (spec Testable Property 11).
type DisconnectHandler interface {
	HandleDisconnect(c *Client)
}

// ConnectionGauge is the subset of internal/metrics.Metrics the hub reports
// its live connection count into on every register/unregister.
type ConnectionGauge interface {
	SetWebSocketConnections(n int)
}

// Hub tracks connected clients and their active subscriptions.
type Hub struct {
	log     logrus.FieldLogger
	handler Handler
	metrics ConnectionGauge

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	taskSubs map[string]map[*Client]struct{}
}

// NewHub creates a Hub. handler may be set after construction via
// SetHandler when the root container needs a reference to the hub first.
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		log:      log.WithField("component", "ws-hub"),
		clients:  make(map[*Client]struct{}, 16),
		taskSubs: make(map[string]map[*Client]struct{}, 16),
	}
}

// SetHandler wires the inbound message handler.
func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

// SetMetrics wires a connection gauge, sampled on every register/unregister.
// Passing nil (the default) disables sampling.
func (h *Hub) SetMetrics(m ConnectionGauge) {
	h.metrics = m
}

// register adds a connected client to the hub.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	count := h.clientCount()
	h.log.WithField("clients", count).Debug("client connected")
	h.sampleConnections(count)
}

// unregister removes a client and all of its subscriptions.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()

	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()

		return
	}

	delete(h.clients, c)

	for taskID, subs := range h.taskSubs {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.taskSubs, taskID)
		}
	}

	h.mu.Unlock()

	c.closeStopped()

	if disconnectHandler, ok := h.handler.(DisconnectHandler); ok {
		disconnectHandler.HandleDisconnect(c)
	}

	count := h.clientCount()
	h.log.WithField("clients", count).Debug("client disconnected")
	h.sampleConnections(count)
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

func (h *Hub) sampleConnections(count int) {
	if h.metrics != nil {
		h.metrics.SetWebSocketConnections(count)
	}
}

// Broadcast sends a message to every connected client, authenticated or
// not, best-effort: a client with a full send buffer has the message dropped
// rather than stalling the hub.
func (h *Hub) Broadcast(msgType string, payload any) {
	data, err := wsproto.Encode(msgType, payload)
	if err != nil {
		h.log.WithError(err).Error("failed to encode broadcast message")

		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		c.enqueue(data)
	}
}

// SubscribeTaskOutput registers c to receive PublishTaskLine/PublishTaskEnded
// events for taskID.
func (h *Hub) SubscribeTaskOutput(c *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.taskSubs[taskID]
	if !ok {
		subs = make(map[*Client]struct{}, 4)
		h.taskSubs[taskID] = subs
	}

	subs[c] = struct{}{}
}

// UnsubscribeTaskOutput removes c's subscription to taskID.
func (h *Hub) UnsubscribeTaskOutput(c *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.taskSubs[taskID]
	if !ok {
		return
	}

	delete(subs, c)
	if len(subs) == 0 {
		delete(h.taskSubs, taskID)
	}
}

// PublishTaskLine implements task.Subscriber: it fans a task output line out
// to every client currently subscribed to that task's stream.
func (h *Hub) PublishTaskLine(taskID string, line apptypes.OutputLine) {
	data, err := wsproto.Encode(wsproto.TypeTaskOutputData, wsproto.TaskOutputData{
		TaskID:       taskID,
		Lines:        []string{line.Content},
		IsHistorical: false,
		HasMore:      false,
	})
	if err != nil {
		h.log.WithError(err).Error("failed to encode task output data")

		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.taskSubs[taskID] {
		c.enqueue(data)
	}
}

// PublishTaskEnded implements task.Subscriber: it notifies every subscriber
// that a task's stream is over and drops the subscription set.
func (h *Hub) PublishTaskEnded(taskID, reason string) {
	data, err := wsproto.Encode(wsproto.TypeTaskOutputStreamEnded, wsproto.TaskOutputStreamEnded{
		TaskID: taskID,
		Reason: reason,
	})
	if err != nil {
		h.log.WithError(err).Error("failed to encode task output ended")

		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.taskSubs[taskID] {
		c.enqueue(data)
	}

	delete(h.taskSubs, taskID)
}
