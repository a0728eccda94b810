package client

import (
	"fmt"
	"sync"
)

// LaneKind names one of the client's two lanes.
type LaneKind string

const (
	LaneFast     LaneKind = "fast"
	LaneFallback LaneKind = "fallback"
)

// Health score update weights. Failures cut the score sharply; successes
// recover it slowly.
const (
	receiveDecay = 0.95
	receiveGain  = 0.05
	sendDecay    = 0.9
	sendGain     = 0.1
	failureDecay = 0.55
)

// Health is the client's view of one lane.
type Health struct {
	Score                   float64 `json:"score"`
	Sends                   uint64  `json:"sends"`
	SendFailures            uint64  `json:"sendFailures"`
	Receives                uint64  `json:"receives"`
	ConsecutiveSendFailures uint64  `json:"consecutiveSendFailures"`
}

func (h Health) String() string {
	return fmt.Sprintf("score=%.3f sends=%d failures=%d receives=%d streak=%d",
		h.Score, h.Sends, h.SendFailures, h.Receives, h.ConsecutiveSendFailures)
}

// NewHealth returns the starting health of a lane.
func NewHealth() Health {
	return Health{Score: 1}
}

// RecordReceive applies a successful receive.
func (h *Health) RecordReceive() {
	h.Receives++
	h.Score = min(1, h.Score*receiveDecay+receiveGain)
}

// RecordSend applies a successful send.
func (h *Health) RecordSend() {
	h.Sends++
	h.ConsecutiveSendFailures = 0
	h.Score = min(1, h.Score*sendDecay+sendGain)
}

// RecordSendFailure applies a failed send.
func (h *Health) RecordSendFailure() {
	h.SendFailures++
	h.ConsecutiveSendFailures++
	h.Score = max(0, h.Score*failureDecay)
}

// HealthTracker holds the health of each lane kind.
type HealthTracker struct {
	mu    sync.RWMutex
	lanes map[LaneKind]*Health
}

// NewHealthTracker creates a tracker with every lane at full health.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		lanes: map[LaneKind]*Health{
			LaneFast:     {Score: 1},
			LaneFallback: {Score: 1},
		},
	}
}

// Get returns a copy of the health of kind.
func (ht *HealthTracker) Get(kind LaneKind) Health {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	if h, ok := ht.lanes[kind]; ok {
		return *h
	}
	return NewHealth()
}

// Update applies fn to the health of kind.
func (ht *HealthTracker) Update(kind LaneKind, fn func(*Health)) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	h, ok := ht.lanes[kind]
	if !ok {
		h = &Health{Score: 1}
		ht.lanes[kind] = h
	}
	fn(h)
}

// Reset returns every lane to full health.
func (ht *HealthTracker) Reset() {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	for _, h := range ht.lanes {
		*h = NewHealth()
	}
}
