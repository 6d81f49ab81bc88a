// File: pubsub/topic.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pubsub

import "sort"

// Topic is a named channel and the set of subscribers bound to it.
type Topic struct {
	name  string
	subs  []*Subscriber
	index map[*Subscriber]int
}

func newTopic(name string) *Topic {
	return &Topic{name: name, index: make(map[*Subscriber]int)}
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Size returns the number of subscribers.
func (t *Topic) Size() int { return len(t.subs) }

func (t *Topic) has(s *Subscriber) bool {
	_, ok := t.index[s]
	return ok
}

func (t *Topic) add(s *Subscriber) bool {
	if t.has(s) {
		return false
	}
	t.index[s] = len(t.subs)
	t.subs = append(t.subs, s)
	return true
}

// remove swaps the last subscriber into the freed slot.
func (t *Topic) remove(s *Subscriber) bool {
	i, ok := t.index[s]
	if !ok {
		return false
	}
	last := len(t.subs) - 1
	if i != last {
		moved := t.subs[last]
		t.subs[i] = moved
		t.index[moved] = i
	}
	t.subs[last] = nil
	t.subs = t.subs[:last]
	delete(t.index, s)
	return true
}

// Subscriber is one connection's membership record. User is a non-owning
// back-reference to the connection; the tree never dereferences it.
type Subscriber struct {
	User any

	topics map[string]*Topic
	queue  []uint32 // indices into TopicTree.outgoing
	queued bool     // listed in TopicTree.drainable
	freed  bool
}

// IsSubscribed reports whether s is subscribed to topic.
func (s *Subscriber) IsSubscribed(topic string) bool {
	_, ok := s.topics[topic]
	return ok
}

// NumTopics returns how many topics s is subscribed to.
func (s *Subscriber) NumTopics() int { return len(s.topics) }

// Topics returns the subscribed topic names in lexical order.
func (s *Subscriber) Topics() []string {
	names := make([]string, 0, len(s.topics))
	for name := range s.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IterateTopics calls fn for every subscribed topic in lexical order.
// fn may unsubscribe s from the topic it is given.
func (s *Subscriber) IterateTopics(fn func(topic *Topic)) {
	for _, name := range s.Topics() {
		if t, ok := s.topics[name]; ok {
			fn(t)
		}
	}
}
