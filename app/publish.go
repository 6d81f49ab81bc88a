// File: app/publish.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package app

import (
	"github.com/momentics/hioload-uws/api"
	"github.com/momentics/hioload-uws/internal/metrics"
	"github.com/momentics/hioload-uws/protocol"
	"github.com/momentics/hioload-uws/pubsub"
	"github.com/momentics/hioload-uws/transport"
)

// subscriberConn is what the TopicTree's back-reference points at: a
// WebSocket of any user data type.
type subscriberConn interface {
	socket() *transport.Socket
	sendPublished(m *pubsub.Message) api.SendStatus
	dropped(m *pubsub.Message)
}

func (a *App) publish(sender *pubsub.Subscriber, topic string, msg []byte, op protocol.OpCode, compress bool) bool {
	if a.tree == nil {
		return false
	}
	m := pubsub.Message{Payload: msg, OpCode: uint8(op), Compress: compress}
	if len(msg) >= transport.CorkBufferSize {
		if !a.tree.PublishBig(sender, topic, m, a.deliverBig) {
			return false
		}
		metrics.PubSubPublished.WithLabelValues("big").Inc()
		return true
	}
	if !a.tree.Publish(sender, topic, m) {
		return false
	}
	metrics.PubSubPublished.WithLabelValues("small").Inc()
	return true
}

func (a *App) drain() {
	if a.tree != nil {
		a.tree.Drain()
		metrics.PubSubTopics.Set(float64(a.tree.NumTopics()))
	}
}

// deliver corks the subscriber's socket around its run of messages.
func (a *App) deliver(s *pubsub.Subscriber, m *pubsub.Message, flags pubsub.IteratorFlags) bool {
	c, ok := s.User.(subscriberConn)
	if !ok {
		return true
	}
	sock := c.socket()
	if flags&pubsub.IteratorFirst != 0 {
		a.drainCork = !sock.IsCorked()
		if a.drainCork {
			sock.Cork()
		}
	}
	status := c.sendPublished(m)
	metrics.PubSubDrained.Inc()
	stop := status == api.Dropped
	if stop {
		c.dropped(m)
	}
	if (stop || flags&pubsub.IteratorLast != 0) && a.drainCork {
		a.drainCork = false
		// The send may have closed the socket on backpressure.
		if !sock.IsClosed() {
			sock.Uncork()
		}
	}
	return stop
}

func (a *App) deliverBig(s *pubsub.Subscriber, m *pubsub.Message) {
	c, ok := s.User.(subscriberConn)
	if !ok {
		return
	}
	metrics.PubSubDrained.Inc()
	if c.sendPublished(m) == api.Dropped {
		c.dropped(m)
	}
}
