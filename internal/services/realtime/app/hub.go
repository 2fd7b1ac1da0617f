package server

import (
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/louisbranch/embers/internal/platform/logging"
	"github.com/louisbranch/embers/internal/platform/metrics"
)

const (
	userTopicPrefix   = "user:"
	coupleTopicPrefix = "couple:"
)

// UserTopic names the personal topic of a user.
func UserTopic(userID string) string {
	return userTopicPrefix + strings.TrimSpace(userID)
}

// CoupleTopic names the shared topic of a couple.
func CoupleTopic(coupleID string) string {
	return coupleTopicPrefix + strings.TrimSpace(coupleID)
}

// Hub is the process-local registry of live connections and their topics.
// Each connection keeps its own topic set, so removing a connection touches
// only the topics it joined.
type Hub struct {
	mu     sync.RWMutex
	conns  map[*peer]map[string]struct{}
	topics map[string]map[*peer]struct{}

	queueSize int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewHub creates an empty hub. queueSize bounds each connection's outbound
// queue.
func NewHub(queueSize int, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &Hub{
		conns:     make(map[*peer]map[string]struct{}),
		topics:    make(map[string]map[*peer]struct{}),
		queueSize: queueSize,
		logger:    logging.OrNop(logger),
		metrics:   m,
	}
}

func (h *Hub) register(p *peer) {
	h.mu.Lock()
	if _, ok := h.conns[p]; !ok {
		h.conns[p] = make(map[string]struct{})
	}
	h.mu.Unlock()
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	topics, ok := h.conns[p]
	if !ok {
		return
	}
	for topic := range topics {
		h.removeLocked(p, topic)
	}
	delete(h.conns, p)
}

// subscribe adds p to topic. Unregistered peers are ignored.
func (h *Hub) subscribe(p *peer, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	topics, ok := h.conns[p]
	if !ok {
		return false
	}
	topics[topic] = struct{}{}
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[*peer]struct{})
		h.topics[topic] = members
	}
	members[p] = struct{}{}
	return true
}

func (h *Hub) unsubscribe(p *peer, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if topics, ok := h.conns[p]; ok {
		delete(topics, topic)
	}
	h.removeLocked(p, topic)
}

func (h *Hub) removeLocked(p *peer, topic string) {
	members, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(members, p)
	if len(members) == 0 {
		delete(h.topics, topic)
	}
}

func (h *Hub) subscribers(topic string) []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.topics[topic]
	out := make([]*peer, 0, len(members))
	for p := range members {
		out = append(out, p)
	}
	return out
}

func (h *Hub) subscribed(p *peer, topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[p][topic]
	return ok
}

// SubscribeUser joins every live connection of userID to topic.
func (h *Hub) SubscribeUser(userID, topic string) {
	for _, p := range h.subscribers(UserTopic(userID)) {
		h.subscribe(p, topic)
	}
}

// DropTopic removes every connection from topic.
func (h *Hub) DropTopic(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.topics[topic] {
		if topics, ok := h.conns[p]; ok {
			delete(topics, topic)
		}
	}
	delete(h.topics, topic)
}

// PublishToUser sends event to every connection of userID.
func (h *Hub) PublishToUser(userID, event string, payload any) {
	h.publish(UserTopic(userID), event, payload)
}

// PublishToCouple sends event to every connection subscribed to the couple.
func (h *Hub) PublishToCouple(coupleID, event string, payload any) {
	h.publish(CoupleTopic(coupleID), event, payload)
}

// publish never blocks: frames go to per-connection queues and are dropped
// for connections whose queue is full.
func (h *Hub) publish(topic, event string, payload any) {
	if h == nil {
		return
	}
	targets := h.subscribers(topic)
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal publish payload", zap.String("topic", topic), zap.String("event", event), zap.Error(err))
		return
	}
	frame := wsFrame{Type: event, Payload: data}
	delivered := 0
	for _, p := range targets {
		if p.enqueue(frame) {
			delivered++
		}
	}
	h.metrics.FramePublished(event)
	if delivered < len(targets) {
		h.logger.Debug("publish dropped for slow connections",
			zap.String("topic", topic),
			zap.String("event", event),
			zap.Int("dropped", len(targets)-delivered),
		)
	}
}

// UserConnected reports whether userID has at least one live connection.
func (h *Hub) UserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[UserTopic(userID)]) > 0
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// TopicCount returns the number of topics with at least one subscriber.
func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// CloseAll closes every live connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	peers := make([]*peer, 0, len(h.conns))
	for p := range h.conns {
		peers = append(peers, p)
	}
	h.mu.RUnlock()
	for _, p := range peers {
		p.close()
	}
}
