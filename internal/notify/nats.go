package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATS is a Broker over core NATS. Topic tasks/{id} maps to subject tasks.{id}.
type NATS struct {
	Conn       *nats.Conn
	BufferSize int
	OnDrop     func(topic string)
}

// Subject converts a topic to its NATS subject.
func Subject(topic string) (string, error) {
	id, err := ParseTopic(topic)
	if err != nil {
		return "", err
	}
	return "tasks." + id, nil
}

func (n *NATS) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, err := Subject(topic)
	if err != nil {
		return err
	}
	if n.Conn == nil || n.Conn.IsClosed() {
		return nats.ErrConnectionClosed
	}
	if err := n.Conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	subject, err := Subject(topic)
	if err != nil {
		return nil, err
	}
	if n.Conn == nil {
		return nil, nats.ErrConnectionClosed
	}
	size := n.BufferSize
	if size <= 0 {
		size = 64
	}
	s := &natsSub{ch: make(chan []byte, size), done: make(chan struct{})}
	sub, err := n.Conn.Subscribe(subject, func(msg *nats.Msg) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		select {
		case s.ch <- msg.Data:
		default:
			if n.OnDrop != nil {
				n.OnDrop(topic)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type natsSub struct {
	sub    *nats.Subscription
	ch     chan []byte
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func (s *natsSub) Messages() <-chan []byte { return s.ch }

func (s *natsSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	close(s.done)
	if s.sub != nil {
		return s.sub.Unsubscribe()
	}
	return nil
}
