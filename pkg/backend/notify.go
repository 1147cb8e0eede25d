package backend

import (
	"sync"
)

// notifier fans committed changes out to per-topic subscribers. Each
// subscriber gets a pump goroutine draining an ordered queue, so a slow
// consumer never blocks the commit path and never loses a change; commit
// order is preserved per topic.
type notifier struct {
	mu   sync.Mutex
	subs map[string][]*subscriber // topic -> subscribers
	seq  map[string]uint64        // cluster -> last assigned seq
}

type subscriber struct {
	topic string
	out   chan *Change

	mu      sync.Mutex
	queue   []*Change
	wake    chan struct{}
	closed  bool
	done    chan struct{}
	stopped chan struct{}
}

func newNotifier() *notifier {
	return &notifier{
		subs: make(map[string][]*subscriber),
		seq:  make(map[string]uint64),
	}
}

// NextSeq assigns the next commit sequence number for a cluster.
func (n *notifier) NextSeq(cluster string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq[cluster]++
	return n.seq[cluster]
}

// Subscribe registers a new subscriber channel for a topic.
func (n *notifier) Subscribe(topic string) <-chan *Change {
	sub := &subscriber{
		topic:   topic,
		out:     make(chan *Change, 64),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go sub.pump()

	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[topic] = append(n.subs[topic], sub)
	return sub.out
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *notifier) Unsubscribe(topic string, ch <-chan *Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[topic]
	for i, sub := range subs {
		if sub.out == ch {
			n.subs[topic] = append(subs[:i], subs[i+1:]...)
			sub.stop()
			break
		}
	}
	if len(n.subs[topic]) == 0 {
		delete(n.subs, topic)
	}
}

// Publish delivers a change to every subscriber of its topic.
func (n *notifier) Publish(c *Change) {
	n.mu.Lock()
	subs := append([]*subscriber(nil), n.subs[c.Topic]...)
	n.mu.Unlock()
	for _, sub := range subs {
		sub.enqueue(c)
	}
}

// Close stops every subscriber.
func (n *notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for topic, subs := range n.subs {
		for _, sub := range subs {
			sub.stop()
		}
		delete(n.subs, topic)
	}
}

func (s *subscriber) enqueue(c *Change) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	<-s.stopped
}

func (s *subscriber) pump() {
	defer close(s.stopped)
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
