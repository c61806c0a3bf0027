package dhtnet

import (
	"context"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/sirupsen/logrus"

	"shardpeer/perr"
)

// topicSet tracks the gossipsub topics and subscriptions a Node has
// joined, lazily joining a topic on first use of either Publish or
// Subscribe. Kept as a standalone helper so Node stays focused on
// host/dispatch plumbing.
type topicSet struct {
	ps *pubsub.PubSub

	topicMu sync.Mutex
	topics  map[string]*pubsub.Topic

	subMu sync.Mutex
	subs  map[string]*pubsub.Subscription
}

func newTopicSet(ps *pubsub.PubSub) *topicSet {
	return &topicSet{ps: ps, topics: make(map[string]*pubsub.Topic), subs: make(map[string]*pubsub.Subscription)}
}

func (s *topicSet) join(topic string) (*pubsub.Topic, error) {
	s.topicMu.Lock()
	defer s.topicMu.Unlock()
	if t, ok := s.topics[topic]; ok {
		return t, nil
	}
	t, err := s.ps.Join(topic)
	if err != nil {
		return nil, perr.Wrap(perr.ErrUnexpected, "dhtnet: join topic "+topic+": "+err.Error())
	}
	s.topics[topic] = t
	return t, nil
}

func (s *topicSet) publish(ctx context.Context, topic string, data []byte) error {
	t, err := s.join(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, data); err != nil {
		return perr.Wrap(perr.ErrUnexpected, "dhtnet: publish "+topic+": "+err.Error())
	}
	return nil
}

func (s *topicSet) subscribe(ctx context.Context, topic string, log *logrus.Entry) (<-chan []byte, error) {
	s.subMu.Lock()
	sub, ok := s.subs[topic]
	if !ok {
		t, err := s.join(topic)
		if err == nil {
			sub, err = t.Subscribe()
		}
		if err != nil {
			s.subMu.Unlock()
			return nil, perr.Wrap(perr.ErrUnexpected, "dhtnet: subscribe "+topic+": "+err.Error())
		}
		s.subs[topic] = sub
	}
	s.subMu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				if log != nil {
					log.WithError(err).WithField("topic", topic).Debug("dhtnet: subscription ended")
				}
				return
			}
			select {
			case out <- msg.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Publish satisfies nodeclient.Publisher: join (if needed) and publish
// descriptor on topic.
func (n *Node) Publish(ctx context.Context, topic string, descriptor []byte) error {
	return n.topics.publish(ctx, topic, descriptor)
}

// Subscribe satisfies nodeclient.Subscriber: subscribe to every topic and
// fan their messages into one channel, closing it once ctx is done or all
// subscriptions end.
func (n *Node) Subscribe(ctx context.Context, topics []string) (<-chan []byte, error) {
	out := make(chan []byte)
	var wg sync.WaitGroup
	for _, topic := range topics {
		ch, err := n.topics.subscribe(ctx, topic, n.log)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(ch <-chan []byte) {
			defer wg.Done()
			for {
				select {
				case b, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- b:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}
