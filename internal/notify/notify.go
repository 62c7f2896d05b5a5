// Package notify announces care-state changes to UI processes over
// ZeroMQ PUB/SUB.
//
// Each message has two frames: the topic and a payload. care.stale carries
// a decimal plant instance ID; sync.result carries a JSON SyncResult.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/verdant/plantcare/internal/offline"
)

const (
	TopicCareStale  = "care.stale"
	TopicSyncResult = "sync.result"
)

// Notifier receives engine events.
type Notifier interface {
	CareStale(plantInstanceIDs []int64)
	SyncCompleted(result offline.SyncResult)
}

// Nop discards every event.
type Nop struct{}

func (Nop) CareStale([]int64) {}
func (Nop) SyncCompleted(offline.SyncResult) {}

// Publisher is a Notifier backed by a ZeroMQ PUB socket.
type Publisher struct {
	endpoint string
	sock     zmq4.Socket
	cancel   context.CancelFunc
	mu       sync.Mutex
}

// NewPublisher binds a PUB socket to endpoint, e.g. "tcp://127.0.0.1:5570"
// or "ipc:///tmp/plantcare_events".
func NewPublisher(endpoint string) (*Publisher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(endpoint); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to bind publisher: %w", err)
	}
	log.Printf("Publishing care events on %s", endpoint)
	return &Publisher{endpoint: endpoint, sock: sock, cancel: cancel}, nil
}

// Close closes the socket
func (p *Publisher) Close() error {
	p.cancel()
	return p.sock.Close()
}

func (p *Publisher) send(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sock.Send(zmq4.NewMsgFrom([]byte(topic), payload))
}

// CareStale publishes one care.stale message per instance
func (p *Publisher) CareStale(plantInstanceIDs []int64) {
	for _, id := range plantInstanceIDs {
		if err := p.send(TopicCareStale, []byte(strconv.FormatInt(id, 10))); err != nil {
			log.Printf("Failed to publish %s %d: %v", TopicCareStale, id, err)
		}
	}
}

// SyncCompleted publishes the result of a reconcile pass
func (p *Publisher) SyncCompleted(result offline.SyncResult) {
	data, err := json.Marshal(result)
	if err != nil {
		log.Printf("Failed to marshal sync result: %v", err)
		return
	}
	if err := p.send(TopicSyncResult, data); err != nil {
		log.Printf("Failed to publish %s: %v", TopicSyncResult, err)
	}
}

// Event is a received notification
type Event struct {
	Topic   string
	Payload []byte
}

// PlantInstanceID parses a care.stale payload
func (e Event) PlantInstanceID() (int64, error) {
	if e.Topic != TopicCareStale {
		return 0, fmt.Errorf("event %s carries no plant instance", e.Topic)
	}
	return strconv.ParseInt(string(e.Payload), 10, 64)
}

// SyncResult parses a sync.result payload
func (e Event) SyncResult() (offline.SyncResult, error) {
	var r offline.SyncResult
	if e.Topic != TopicSyncResult {
		return r, fmt.Errorf("event %s carries no sync result", e.Topic)
	}
	err := json.Unmarshal(e.Payload, &r)
	return r, err
}

// Subscribe dials endpoint and delivers events for the given topics until
// ctx is cancelled. No topics subscribes to everything.
func Subscribe(ctx context.Context, endpoint string, topics ...string) (<-chan Event, error) {
	sock := zmq4.NewSub(ctx)
	if err := sock.Dial(endpoint); err != nil {
		return nil, fmt.Errorf("failed to connect subscriber: %w", err)
	}
	if len(topics) == 0 {
		topics = []string{""}
	}
	for _, t := range topics {
		if err := sock.SetOption(zmq4.OptionSubscribe, t); err != nil {
			sock.Close()
			return nil, fmt.Errorf("failed to subscribe: %w", err)
		}
	}

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer sock.Close()
		for {
			msg, err := sock.Recv()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("Subscriber receive error: %v", err)
				}
				return
			}
			if len(msg.Frames) < 2 {
				continue
			}
			select {
			case events <- Event{Topic: string(msg.Frames[0]), Payload: msg.Frames[1]}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
