// Package streaming fans safety and recipe events out to remote
// subscribers over a gRPC server stream.
package streaming

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/PendantCore/internal/recipe"
	"github.com/KevinKickass/PendantCore/internal/safety"
)

type Topic string

const (
	TopicAll    Topic = ""
	TopicSafety Topic = "safety"
	TopicRecipe Topic = "recipe"
)

type Message struct {
	Topic     Topic
	Type      string
	Timestamp time.Time
	Payload   map[string]interface{}
}

const subscriberBuffer = 100

type EventStreamer struct {
	mu          sync.RWMutex
	subscribers map[Topic][]chan *Message
	closed      bool
}

func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[Topic][]chan *Message),
	}
}

// Subscribe registers for one topic, TopicAll receives every message. The
// channel is closed by Unsubscribe or Close.
func (s *EventStreamer) Subscribe(topic Topic) <-chan *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *Message, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch
	}
	s.subscribers[topic] = append(s.subscribers[topic], ch)
	return ch
}

func (s *EventStreamer) Unsubscribe(topic Topic, ch <-chan *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[topic]
	for i, sub := range subs {
		if sub == ch {
			s.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
}

func (s *EventStreamer) SubscriberCount(topic Topic) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers[topic])
}

func (s *EventStreamer) Broadcast(msg *Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	send := func(subs []chan *Message) {
		for _, ch := range subs {
			select {
			case ch <- msg:
			default:
				// Skip if channel is full
			}
		}
	}
	send(s.subscribers[msg.Topic])
	if msg.Topic != TopicAll {
		send(s.subscribers[TopicAll])
	}
}

// Close ends every open subscription.
func (s *EventStreamer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for topic, subs := range s.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(s.subscribers, topic)
	}
}

func SafetyMessage(ev safety.Event) (*Message, error) {
	payload, err := toPayload(ev)
	if err != nil {
		return nil, err
	}
	return &Message{Topic: TopicSafety, Type: string(ev.Type), Timestamp: ev.Timestamp, Payload: payload}, nil
}

func RecipeMessage(ev recipe.Event) (*Message, error) {
	payload, err := toPayload(ev)
	if err != nil {
		return nil, err
	}
	return &Message{Topic: TopicRecipe, Type: string(ev.Type), Timestamp: ev.Timestamp, Payload: payload}, nil
}

// toPayload flattens an event into JSON-compatible values so it can be
// carried in a structpb.Struct.
func toPayload(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return payload, nil
}
