package notify

import (
	"context"
	"sync"
)

// Hub is the in-process Broker. Publish never blocks: a subscriber whose
// buffer is full misses the message.
type Hub struct {
	// BufferSize is the per-subscriber channel capacity.
	BufferSize int
	// OnDrop is called for every message a slow subscriber missed.
	OnDrop func(topic string)

	mu     sync.RWMutex
	topics map[string]map[*hubSub]struct{}
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{BufferSize: bufferSize, topics: map[string]map[*hubSub]struct{}{}}
}

type hubSub struct {
	hub   *Hub
	topic string
	ch    chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *hubSub) Messages() <-chan []byte { return s.ch }

func (s *hubSub) Close() error {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.ch)
		close(s.done)
	})
	return nil
}

func (h *Hub) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := ParseTopic(topic); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.topics[topic] {
		msg := append([]byte(nil), data...)
		select {
		case sub.ch <- msg:
		default:
			if h.OnDrop != nil {
				h.OnDrop(topic)
			}
		}
	}
	return nil
}

// Subscribe registers a subscriber until Close or until ctx ends.
func (h *Hub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if _, err := ParseTopic(topic); err != nil {
		return nil, err
	}
	size := h.BufferSize
	if size <= 0 {
		size = 64
	}
	sub := &hubSub{hub: h, topic: topic, ch: make(chan []byte, size), done: make(chan struct{})}
	h.mu.Lock()
	if h.topics == nil {
		h.topics = map[string]map[*hubSub]struct{}{}
	}
	if h.topics[topic] == nil {
		h.topics[topic] = map[*hubSub]struct{}{}
	}
	h.topics[topic][sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Subscribers counts the live subscribers of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) remove(sub *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[sub.topic]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.topic)
	}
}
