// File: pubsub/tree_bench_test.go
// Author: momentics <momentics@gmail.com>
//
// Throughput benchmarks for publish and drain.

package pubsub

import (
	"strconv"
	"testing"
)

func benchTree(subscribers, topics int) (*TopicTree, []*Subscriber) {
	t := New(func(*Subscriber, *Message, IteratorFlags) bool { return false })
	subs := make([]*Subscriber, subscribers)
	for i := range subs {
		subs[i] = t.NewSubscriber(i)
		t.Subscribe(subs[i], "topic-"+strconv.Itoa(i%topics))
	}
	return t, subs
}

// BenchmarkPublishFanOut publishes to one topic with many subscribers.
func BenchmarkPublishFanOut(b *testing.B) {
	for _, n := range []int{1, 100, 10000} {
		b.Run(strconv.Itoa(n), func(b *testing.B) {
			t, _ := benchTree(n, 1)
			payload := []byte("benchmark payload")
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				t.Publish(nil, "topic-0", Message{Payload: payload, OpCode: 1})
				t.Drain()
			}
		})
	}
}

// BenchmarkPublishBatched queues many messages before a single drain, the
// way a loop iteration does.
func BenchmarkPublishBatched(b *testing.B) {
	t, _ := benchTree(1000, 10)
	payload := []byte("benchmark payload")
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		t.Publish(nil, "topic-"+strconv.Itoa(i%10), Message{Payload: payload, OpCode: 1})
		if i%64 == 63 {
			t.Drain()
		}
	}
	t.Drain()
}

// BenchmarkSubscribeChurn measures subscribe and unsubscribe on a warm tree.
func BenchmarkSubscribeChurn(b *testing.B) {
	t, subs := benchTree(1000, 100)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s := subs[i%len(subs)]
		t.Subscribe(s, "churn")
		t.Unsubscribe(s, "churn")
	}
}
