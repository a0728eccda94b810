package client

import (
	"fmt"

	"github.com/spacedatanetwork/shardnet/internal/shard"
)

// Outcome is what Process did with one inbound message.
type Outcome int

const (
	// OutcomeAccepted means the shard was new, subscribed, cached and forwarded.
	OutcomeAccepted Outcome = iota
	// OutcomeDuplicate means the content hash was already seen.
	OutcomeDuplicate
	// OutcomeMalformed means the metadata could not be decoded.
	OutcomeMalformed
	// OutcomeUnsubscribed means the shard's tag is not subscribed.
	OutcomeUnsubscribed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeUnsubscribed:
		return "ignored: unsubscribed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ShardEvent describes an accepted shard.
type ShardEvent struct {
	Hash string
	Meta shard.Meta
	From string
	Lane LaneKind
	Data []byte
}

// SkipEvent describes an inbound message that was not accepted.
type SkipEvent struct {
	Hash    string
	From    string
	Lane    LaneKind
	Outcome Outcome
	Err     error
}

// ForwardEvent describes the peers a shard was successfully sent to on one lane.
type ForwardEvent struct {
	Hash  string
	Lane  LaneKind
	Peers []string
}

// Observer receives client events synchronously, in registration order.
// Implementations must not call back into the client.
type Observer interface {
	ShardReceived(ev ShardEvent)
	ShardSkipped(ev SkipEvent)
	ShardForwarded(ev ForwardEvent)
	ForwardFailed(lane LaneKind, peer string, err error)
	PollFailed(lane LaneKind, err error)
}

// NopObserver implements Observer with no-ops. Embed it to handle a subset
// of events.
type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) ShardReceived(ShardEvent) {}
func (NopObserver) ShardSkipped(SkipEvent) {}
func (NopObserver) ShardForwarded(ForwardEvent) {}
func (NopObserver) ForwardFailed(LaneKind, string, error) {}
func (NopObserver) PollFailed(LaneKind, error) {}
