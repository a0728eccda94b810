package publish

import (
	"context"
	"fmt"
	"sync"

	ps "github.com/libp2p/go-libp2p-pubsub"
)

// TopicPrefix is the prefix for all shard topics.
const TopicPrefix = "/shardnet/shards/"

// TopicName returns the full topic name for a tag.
func TopicName(tagHex string) string {
	return TopicPrefix + tagHex
}

// TagFromTopic extracts the tag from a topic name.
func TagFromTopic(topicName string) string {
	if len(topicName) <= len(TopicPrefix) {
		return ""
	}
	return topicName[len(TopicPrefix):]
}

// TopicPublisher adapts a pubsub topic into a PublishFunc.
func TopicPublisher(topic *ps.Topic) PublishFunc {
	return func(ctx context.Context, data []byte) error {
		return topic.Publish(ctx, data)
	}
}

// Topics joins and tracks pubsub topics by tag.
type Topics struct {
	pubsub *ps.PubSub

	mu     sync.Mutex
	topics map[string]*ps.Topic
	subs   map[string]*ps.Subscription
}

// NewTopics creates a topic manager over pubsub.
func NewTopics(pubsub *ps.PubSub) *Topics {
	return &Topics{
		pubsub: pubsub,
		topics: make(map[string]*ps.Topic),
		subs:   make(map[string]*ps.Subscription),
	}
}

// Join joins the topic for tagHex, reusing an existing handle.
func (t *Topics) Join(tagHex string) (*ps.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joinLocked(tagHex)
}

func (t *Topics) joinLocked(tagHex string) (*ps.Topic, error) {
	if topic, ok := t.topics[tagHex]; ok {
		return topic, nil
	}
	name := TopicName(tagHex)
	topic, err := t.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", name, err)
	}
	t.topics[tagHex] = topic
	log.Debugf("joined topic %s", name)
	return topic, nil
}

// Subscribe subscribes to the topic for tagHex.
func (t *Topics) Subscribe(tagHex string) (*ps.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subs[tagHex]; ok {
		return sub, nil
	}
	topic, err := t.joinLocked(tagHex)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	t.subs[tagHex] = sub
	return sub, nil
}

// Publisher returns a PublishFunc for the topic of tagHex.
func (t *Topics) Publisher(tagHex string) (PublishFunc, error) {
	topic, err := t.Join(tagHex)
	if err != nil {
		return nil, err
	}
	return TopicPublisher(topic), nil
}

// Close cancels all subscriptions and leaves all topics.
func (t *Topics) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		sub.Cancel()
	}
	for name, topic := range t.topics {
		if err := topic.Close(); err != nil {
			log.Warnf("closing topic %s: %v", name, err)
		}
	}
	t.subs = make(map[string]*ps.Subscription)
	t.topics = make(map[string]*ps.Topic)
	return nil
}
