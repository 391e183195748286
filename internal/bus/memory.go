package bus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Memory is an in-process Bus. Each topic keeps an append-only log; consumer
// groups track a cursor into it, so publish order (and therefore per-key
// order) is preserved. Messages left unacked when a group loses its last
// member are redelivered to the next member.
type Memory struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
}

type memTopic struct {
	log    []Message
	seq    int64
	groups map[string]*memGroup
}

type memGroup struct {
	bus         *Memory
	topic       *memTopic
	cursor      int
	redeliver   []Message
	outstanding map[string]Message
	ch          chan Message
	wake        chan struct{}
	done        chan struct{}
	members     int
}

func NewMemory() *Memory {
	return &Memory{topics: make(map[string]*memTopic)}
}

var _ Bus = (*Memory)(nil)

func (m *Memory) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("bus is closed")
	}
	t := m.topic(topic)
	t.seq++
	msg := Message{ID: strconv.FormatInt(t.seq, 10), Key: key, Payload: append([]byte(nil), payload...)}
	t.log = append(t.log, msg)
	for _, group := range t.groups {
		select {
		case group.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(topic, group string) (Subscription, error) {
	if topic == "" || group == "" {
		return nil, fmt.Errorf("topic and group are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	t := m.topic(topic)
	g, ok := t.groups[group]
	if !ok {
		g = &memGroup{
			bus:         m,
			topic:       t,
			outstanding: make(map[string]Message),
			ch:          make(chan Message),
			wake:        make(chan struct{}, 1),
		}
		t.groups[group] = g
	}
	if g.members == 0 {
		g.done = make(chan struct{})
		go g.dispatch(g.done)
	}
	g.members++
	return &memSubscription{group: g}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	for _, t := range m.topics {
		for _, g := range t.groups {
			if g.members > 0 {
				g.members = 0
				close(g.done)
			}
		}
	}
	m.mu.Unlock()
	return nil
}

// topic returns the named topic, creating it if needed. Callers hold m.mu.
func (m *Memory) topic(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*memGroup)}
		m.topics[name] = t
	}
	return t
}

func (g *memGroup) dispatch(done chan struct{}) {
	for {
		g.bus.mu.Lock()
		var msg Message
		have := false
		if len(g.redeliver) > 0 {
			msg = g.redeliver[0]
			g.redeliver = g.redeliver[1:]
			have = true
		} else if g.cursor < len(g.topic.log) {
			msg = g.topic.log[g.cursor]
			g.cursor++
			have = true
		}
		if have {
			g.outstanding[msg.ID] = msg
		}
		g.bus.mu.Unlock()

		if have {
			select {
			case g.ch <- msg:
			case <-done:
				return
			}
			continue
		}
		select {
		case <-g.wake:
		case <-done:
			return
		}
	}
}

type memSubscription struct {
	group *memGroup
	once  sync.Once
}

func (s *memSubscription) Messages() <-chan Message {
	return s.group.ch
}

func (s *memSubscription) Ack(ctx context.Context, msg Message) error {
	s.group.bus.mu.Lock()
	delete(s.group.outstanding, msg.ID)
	s.group.bus.mu.Unlock()
	return nil
}

func (s *memSubscription) Close() {
	s.once.Do(func() {
		g := s.group
		g.bus.mu.Lock()
		g.members--
		if g.members == 0 {
			close(g.done)
			// Unacked messages return to the front of the queue in
			// publish order for the next member.
			if len(g.outstanding) > 0 {
				pending := make([]Message, 0, len(g.outstanding))
				for _, msg := range g.outstanding {
					pending = append(pending, msg)
				}
				sortMessages(pending)
				g.redeliver = append(pending, g.redeliver...)
				g.outstanding = make(map[string]Message)
			}
		}
		g.bus.mu.Unlock()
	})
}

func sortMessages(msgs []Message) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && messageSeq(msgs[j]) < messageSeq(msgs[j-1]); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}

func messageSeq(msg Message) int64 {
	seq, err := strconv.ParseInt(msg.ID, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
