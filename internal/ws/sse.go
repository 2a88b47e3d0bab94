package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flexstake/flexstake-backend/internal/store"
)

type SSEHandler struct {
	cache  *store.Cache
	logger *zap.SugaredLogger
}

func NewSSEHandler(cache *store.Cache, logger *zap.SugaredLogger) *SSEHandler {
	return &SSEHandler{
		cache:  cache,
		logger: logger,
	}
}

func (h *SSEHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	origin := r.Header.Get("Origin")
	allowedOrigins := []string{
		"http://localhost:3000",
		"http://localhost:5173", // Vite dev server
	}

	corsOrigin := ""
	for _, allowed := range allowedOrigins {
		if origin == allowed {
			corsOrigin = allowed
			break
		}
	}

	if corsOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
	}
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control")

	topics := h.parseTopics(r)
	address := r.URL.Query().Get("address")

	h.logger.Debugw("SSE connection established", "topics", topics, "address", address)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	channels := h.mapTopicsToChannels(topics)
	if len(channels) == 0 {
		// Default to pool updates if no specific topics requested
		channels = []string{store.KeyPoolSnapshot}
	}

	// Try Redis pubsub first
	pubsub := h.cache.Subscribe(ctx, channels...)
	if pubsub != nil {
		defer pubsub.Close()
		h.handleRedisPubSub(ctx, w, pubsub, address)
		return
	}

	// Fall back to in-memory pubsub if available
	if h.cache.IsInMemoryMode() {
		sub := h.cache.SubscribeInMemory(ctx, channels...)
		if sub != nil {
			defer sub.Close()
			h.logger.Debugw("Using in-memory PubSub for SSE", "channels", channels)
			h.handleLocalPubSub(ctx, w, sub, address)
			return
		}
	}

	h.logger.Warnw("No PubSub available; SSE updates disabled for this connection")
	h.sendEvent(w, "connected", "SSE connection established (no pubsub)", nil)
}

func (h *SSEHandler) parseTopics(r *http.Request) []string {
	topicsParam := r.URL.Query().Get("topics")
	if topicsParam == "" {
		return nil
	}
	return strings.Split(topicsParam, ",")
}

func (h *SSEHandler) mapTopicsToChannels(topics []string) []string {
	channels := make([]string, 0)

	for _, topic := range topics {
		switch topic {
		case "pool", "pool_state":
			channels = append(channels, store.KeyPoolSnapshot)
		case "events":
			channels = append(channels, store.ChannelEvents)
		}
	}

	return channels
}

func (h *SSEHandler) channelToEventType(channel string) string {
	switch channel {
	case store.KeyPoolSnapshot:
		return "pool_update"
	case store.ChannelEvents:
		return "pool_event"
	default:
		return "update"
	}
}

// wantsMessage filters events channel messages by account when the client
// asked for one. Pool snapshots always pass.
func wantsMessage(channel, payload, address string) bool {
	if address == "" || channel != store.ChannelEvents {
		return true
	}
	var envelope struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return true
	}
	return envelope.Account == "" || envelope.Account == address
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, eventType, id string, data interface{}) {
	if data != nil {
		dataBytes, err := json.Marshal(data)
		if err != nil {
			h.logger.Errorw("Failed to marshal SSE data", "error", err)
			return
		}
		fmt.Fprintf(w, "event: %s\n", eventType)
		fmt.Fprintf(w, "id: %s\n", id)
		fmt.Fprintf(w, "data: %s\n\n", dataBytes)
	} else {
		fmt.Fprintf(w, "event: %s\n", eventType)
		fmt.Fprintf(w, "id: %s\n", id)
		fmt.Fprintf(w, "data: {}\n\n")
	}

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// handleRedisPubSub handles Redis pubsub messages for SSE
func (h *SSEHandler) handleRedisPubSub(ctx context.Context, w http.ResponseWriter, pubsub *redis.PubSub, address string) {
	h.sendEvent(w, "connected", "SSE connection established", nil)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debugw("SSE client disconnected")
			return

		case <-heartbeat.C:
			h.sendEvent(w, "heartbeat", "ping", map[string]interface{}{
				"timestamp": time.Now().Unix(),
			})

		case msg := <-ch:
			if msg == nil {
				continue
			}
			h.deliver(w, msg.Channel, msg.Payload, address)
		}
	}
}

// handleLocalPubSub handles in-memory pubsub messages for SSE
func (h *SSEHandler) handleLocalPubSub(ctx context.Context, w http.ResponseWriter, sub *store.Subscription, address string) {
	h.sendEvent(w, "connected", "SSE connection established (in-memory)", nil)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debugw("SSE client disconnected")
			return

		case <-heartbeat.C:
			h.sendEvent(w, "heartbeat", "ping", map[string]interface{}{
				"timestamp": time.Now().Unix(),
			})

		case msg := <-ch:
			if msg == nil {
				continue
			}
			h.deliver(w, msg.Channel, msg.Payload, address)
		}
	}
}

func (h *SSEHandler) deliver(w http.ResponseWriter, channel, payload, address string) {
	if !wantsMessage(channel, payload, address) {
		return
	}

	h.logger.Debugw("Sending SSE message", "channel", channel)

	var data interface{}
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		h.logger.Warnw("Failed to parse message payload", "error", err)
		return
	}

	h.sendEvent(w, h.channelToEventType(channel), channel, data)
}
