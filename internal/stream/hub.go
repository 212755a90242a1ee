// Package stream fans confirmed tracking events out to websocket followers.
// With Redis configured every API instance publishes to and receives from a
// shared channel per topic, so followers see events ingested anywhere.
package stream

import (
	"context"
	"strings"
	"sync"

	"cdr.dev/slog/v3"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "geotrack:"
	channelSuffix = ":events"
)

type Hub struct {
	redis   *redis.Client
	logger  slog.Logger
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type Client struct {
	Topic string
	Send  chan []byte
}

// Topic names the stream of one user within a project.
func Topic(projectID, userID string) string {
	return projectID + "/" + userID
}

// NewHub subscribes to Redis before returning when redisClient is set, so
// nothing published afterwards is missed.
func NewHub(redisClient *redis.Client, logger slog.Logger) *Hub {
	h := &Hub{
		redis:   redisClient,
		logger:  logger.Named("stream"),
		clients: map[string]map[*Client]struct{}{},
	}
	if redisClient == nil {
		return h
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := redisClient.PSubscribe(ctx, channelPrefix+"*"+channelSuffix)
	if _, err := pubsub.Receive(ctx); err != nil {
		h.logger.Error(ctx, "redis subscribe failed, streaming locally", slog.Error(err))
		_ = pubsub.Close()
		cancel()
		h.redis = nil
		return h
	}
	h.ctx, h.cancel = ctx, cancel
	h.done = make(chan struct{})
	go h.subscribeRedis(pubsub)
	return h
}

// Close stops the Redis subscription.
func (h *Hub) Close() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (h *Hub) Register(topic string) *Client {
	client := &Client{
		Topic: topic,
		Send:  make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[topic] == nil {
		h.clients[topic] = map[*Client]struct{}{}
	}
	h.clients[topic][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if topicClients, ok := h.clients[client.Topic]; ok {
		delete(topicClients, client)
		if len(topicClients) == 0 {
			delete(h.clients, client.Topic)
		}
	}
	close(client.Send)
}

// Subscribers returns the number of local followers of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Broadcast delivers payload to the topic's followers. With Redis the
// subscription delivers it, including to local followers; if publishing
// fails local followers are served directly.
func (h *Hub) Broadcast(topic string, payload []byte) {
	if h.redis != nil {
		err := h.redis.Publish(context.Background(), redisChannel(topic), payload).Err()
		if err == nil {
			return
		}
		h.logger.Warn(context.Background(), "redis publish failed", slog.F("topic", topic), slog.Error(err))
	}
	h.deliver(topic, payload)
}

func (h *Hub) deliver(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[topic] {
		select {
		case client.Send <- payload:
		default:
			h.logger.Debug(context.Background(), "follower too slow, dropping event", slog.F("topic", topic))
		}
	}
}

func (h *Hub) subscribeRedis(pubsub *redis.PubSub) {
	defer close(h.done)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			topic := topicFromChannel(msg.Channel)
			if topic == "" {
				continue
			}
			h.deliver(topic, []byte(msg.Payload))
		case <-h.ctx.Done():
			return
		}
	}
}

func redisChannel(topic string) string {
	return channelPrefix + topic + channelSuffix
}

// topicFromChannel parses geotrack:{topic}:events.
func topicFromChannel(ch string) string {
	if len(ch) <= len(channelPrefix)+len(channelSuffix) ||
		!strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
