// File: pubsub/tree.go
// Package pubsub implements the TopicTree: exact-name topics, per-subscriber
// delivery queues and a once-per-iteration drain that lets the transport cork
// around each subscriber's burst.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A TopicTree is owned by one event loop and is not safe for concurrent use.
// Recipients are fixed at publish time: every current subscriber (minus the
// sender under ExcludeSender) gets the message index appended to its queue.
// Drain detaches all queues before delivering, so anything published from
// inside a delivery callback waits for the next drain.

package pubsub

import (
	"github.com/valyala/bytebufferpool"
)

// IteratorFlags mark the boundaries of a subscriber's burst within a drain.
type IteratorFlags uint8

const (
	// IteratorFirst is set on the first message of a corkable run.
	IteratorFirst IteratorFlags = 1 << iota
	// IteratorLast is set on the final message of a corkable run.
	IteratorLast
)

// Policy decides whether a publishing subscriber receives its own message.
type Policy uint8

const (
	ExcludeSender Policy = iota
	IncludeSender
)

// MaxOutstanding is the number of undelivered messages that forces an early
// drain on the next publish.
const MaxOutstanding = 65535

// Message is one published payload.
type Message struct {
	Payload  []byte
	OpCode   uint8
	Compress bool

	big BigFunc
	buf *bytebufferpool.ByteBuffer
}

// IsBig reports whether the message was published through PublishBig.
func (m *Message) IsBig() bool { return m.big != nil }

// DeliverFunc sends m to s. Returning true reports that s dropped the
// message; the rest of its queue is skipped for this drain.
type DeliverFunc func(s *Subscriber, m *Message, flags IteratorFlags) (stop bool)

// BigFunc delivers an oversized message to one subscriber without corking.
type BigFunc func(s *Subscriber, m *Message)

// Option configures a TopicTree.
type Option func(*TopicTree)

// WithSenderPolicy selects whether publishers receive their own messages.
func WithSenderPolicy(p Policy) Option {
	return func(t *TopicTree) { t.policy = p }
}

// TopicTree maps topic names to subscribers and batches deliveries.
type TopicTree struct {
	topics  map[string]*Topic
	deliver DeliverFunc
	policy  Policy
	pool    bytebufferpool.Pool

	outgoing  []*Message
	drainable []*Subscriber
	draining  bool
}

// New creates a tree that hands every delivery to deliver.
func New(deliver DeliverFunc, opts ...Option) *TopicTree {
	t := &TopicTree{
		topics:  make(map[string]*Topic),
		deliver: deliver,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Policy returns the configured sender policy.
func (t *TopicTree) Policy() Policy { return t.policy }

// NewSubscriber creates a subscriber carrying user as its back-reference.
func (t *TopicTree) NewSubscriber(user any) *Subscriber {
	return &Subscriber{User: user, topics: make(map[string]*Topic)}
}

// FreeSubscriber removes s from every topic, prunes emptied topics and
// discards its pending deliveries. s must not be used afterwards.
func (t *TopicTree) FreeSubscriber(s *Subscriber) {
	if s == nil || s.freed {
		return
	}
	for name, tp := range s.topics {
		tp.remove(s)
		if tp.Size() == 0 {
			delete(t.topics, name)
		}
	}
	clear(s.topics)
	s.queue = nil
	s.freed = true
	s.User = nil
}

// Subscribe adds s to topic, creating the topic on first use. It returns
// false when s was already subscribed.
func (t *TopicTree) Subscribe(s *Subscriber, topic string) bool {
	if s == nil || s.freed {
		return false
	}
	if _, ok := s.topics[topic]; ok {
		return false
	}
	tp := t.topics[topic]
	if tp == nil {
		tp = newTopic(topic)
		t.topics[topic] = tp
	}
	tp.add(s)
	s.topics[topic] = tp
	return true
}

// Unsubscribe removes s from topic and prunes the topic when it empties.
// Messages already queued for s stay queued.
func (t *TopicTree) Unsubscribe(s *Subscriber, topic string) bool {
	if s == nil {
		return false
	}
	tp, ok := s.topics[topic]
	if !ok {
		return false
	}
	tp.remove(s)
	delete(s.topics, topic)
	if tp.Size() == 0 {
		delete(t.topics, topic)
	}
	return true
}

// LookupTopic returns the topic or nil.
func (t *TopicTree) LookupTopic(topic string) *Topic { return t.topics[topic] }

// NumSubscribers returns the subscriber count of topic, 0 when absent.
func (t *TopicTree) NumSubscribers(topic string) int {
	if tp := t.LookupTopic(topic); tp != nil {
		return tp.Size()
	}
	return 0
}

// NumTopics returns the number of live topics.
func (t *TopicTree) NumTopics() int { return len(t.topics) }

// Outstanding returns the number of messages waiting for the next drain.
func (t *TopicTree) Outstanding() int { return len(t.outgoing) }

// Publish copies m.Payload and queues it for every recipient of topic. It
// returns false when the topic does not exist or nobody but the excluded
// sender subscribes to it.
func (t *TopicTree) Publish(sender *Subscriber, topic string, m Message) bool {
	tp := t.topics[topic]
	if tp == nil {
		return false
	}
	t.makeRoom()
	buf := t.pool.Get()
	buf.B = append(buf.B[:0], m.Payload...)
	msg := &Message{Payload: buf.B, OpCode: m.OpCode, Compress: m.Compress, buf: buf}
	if !t.enqueue(sender, tp, msg) {
		t.pool.Put(buf)
		return false
	}
	return true
}

// PublishBig queues m without copying its payload. send runs once per
// recipient at drain time; the caller keeps m.Payload valid until then.
func (t *TopicTree) PublishBig(sender *Subscriber, topic string, m Message, send BigFunc) bool {
	tp := t.topics[topic]
	if tp == nil || send == nil {
		return false
	}
	t.makeRoom()
	msg := &Message{Payload: m.Payload, OpCode: m.OpCode, Compress: m.Compress, big: send}
	return t.enqueue(sender, tp, msg)
}

func (t *TopicTree) makeRoom() {
	if len(t.outgoing) >= MaxOutstanding {
		t.Drain()
	}
}

func (t *TopicTree) enqueue(sender *Subscriber, tp *Topic, msg *Message) bool {
	idx := uint32(len(t.outgoing))
	referenced := false
	for _, s := range tp.subs {
		if s == sender && t.policy == ExcludeSender {
			continue
		}
		s.queue = append(s.queue, idx)
		if !s.queued {
			s.queued = true
			t.drainable = append(t.drainable, s)
		}
		referenced = true
	}
	if referenced {
		t.outgoing = append(t.outgoing, msg)
	}
	return referenced
}

// Drain delivers every queued message. Subscribers are visited in the order
// they first received a message since the previous drain; each one sees its
// messages in publish order. Nested calls are no-ops.
func (t *TopicTree) Drain() {
	if t.draining || len(t.drainable) == 0 {
		return
	}
	t.draining = true
	defer func() { t.draining = false }()

	outgoing, drainable := t.outgoing, t.drainable
	t.outgoing, t.drainable = nil, nil

	queues := make([][]uint32, len(drainable))
	for i, s := range drainable {
		queues[i] = s.queue
		s.queue = nil
		s.queued = false
	}

	for i, s := range drainable {
		if !s.freed {
			t.drainSubscriber(s, queues[i], outgoing)
		}
	}

	for i, m := range outgoing {
		if m.buf != nil {
			t.pool.Put(m.buf)
		}
		outgoing[i] = nil
	}
}

func (t *TopicTree) drainSubscriber(s *Subscriber, q []uint32, outgoing []*Message) {
	runStart := true
	for i, idx := range q {
		if s.freed {
			return
		}
		m := outgoing[idx]
		if m.big != nil {
			m.big(s, m)
			runStart = true
			continue
		}
		var flags IteratorFlags
		if runStart {
			flags |= IteratorFirst
			runStart = false
		}
		if i == len(q)-1 || outgoing[q[i+1]].big != nil {
			flags |= IteratorLast
		}
		if t.deliver(s, m, flags) {
			return
		}
	}
}
