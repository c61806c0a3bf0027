// Package offerstream implements the back-pressured FIFO queue of incoming
// OFFER {contact, contract} pairs a renter drains while publishing a shard
// descriptor. Duplicate farmers and incomplete contracts are rejected at
// enqueue; the read side is a channel so a consumer can range over offers
// instead of polling.
package offerstream

import (
	"sync"
	"time"

	"shardpeer/contract"
	"shardpeer/metrics"
	"shardpeer/token"
)

// Offer is one entry in the queue.
type Offer struct {
	Contact  token.Contact
	Contract *contract.Contract
}

// Stream is a bounded FIFO of offers, readable via the channel returned by
// C. It ends when maxOffers have been delivered or OFFER_TIMEOUT has
// elapsed since publishedAt, whichever comes first.
type Stream struct {
	mu         sync.Mutex
	queue      []Offer
	seenFarmer map[string]bool
	maxOffers  int
	delivered  int
	destroyed  bool

	notify    chan struct{}
	ch        chan Offer
	done      chan struct{}
	closeOnce sync.Once

	deadline time.Time

	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics sink for offer accept/reject counters.
func (s *Stream) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// New wires an offer stream bounded by maxOffers, ending OFFER_TIMEOUT after
// publishedAt if maxOffers is never reached (resolving the
// wall-clock-from-publish resolution, rather than an idle/inactivity
// timer). maxOffers == 0 accepts nothing and ends immediately.
func New(maxOffers int, publishedAt time.Time, timeout time.Duration) *Stream {
	s := &Stream{
		seenFarmer: make(map[string]bool),
		maxOffers:  maxOffers,
		notify:     make(chan struct{}, 1),
		ch:         make(chan Offer),
		done:       make(chan struct{}),
		deadline:   publishedAt.Add(timeout),
	}
	go s.pump()
	return s
}

// AddOfferToQueue appends an offer unless it is a duplicate farmer, an
// incomplete contract, the queue (plus what's already been delivered) is
// full, or the stream has been destroyed. Returns false in every rejection
// case.
func (s *Stream) AddOfferToQueue(contact token.Contact, c *contract.Contract) bool {
	s.mu.Lock()
	if s.destroyed || s.maxOffers <= 0 {
		s.mu.Unlock()
		s.rejected()
		return false
	}
	if s.delivered+len(s.queue) >= s.maxOffers {
		s.mu.Unlock()
		s.rejected()
		return false
	}
	if s.seenFarmer[contact.Identity] {
		s.mu.Unlock()
		s.rejected()
		return false
	}
	complete, err := c.IsComplete()
	if err != nil || !complete {
		s.mu.Unlock()
		s.rejected()
		return false
	}
	s.seenFarmer[contact.Identity] = true
	s.queue = append(s.queue, Offer{Contact: contact, Contract: c})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	if s.metrics != nil {
		s.metrics.OffersAccepted.Inc()
	}
	return true
}

func (s *Stream) rejected() {
	if s.metrics != nil {
		s.metrics.OffersRejected.Inc()
	}
}

// pump feeds queued offers onto the channel in arrival order, enforcing
// back-pressure (one send per consumer read) and ending when either
// maxOffers have been delivered, the stream is destroyed, or the
// publish-relative deadline passes.
func (s *Stream) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) > 0 {
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.delivered++
			allDelivered := s.delivered >= s.maxOffers && len(s.queue) == 0
			s.mu.Unlock()

			select {
			case s.ch <- next:
			case <-s.done:
				return
			}
			if allDelivered {
				return
			}
			continue
		}
		if s.delivered >= s.maxOffers {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		remaining := time.Until(s.deadline)
		if remaining <= 0 {
			return
		}
		timer := time.NewTimer(remaining)
		select {
		case <-s.notify:
			timer.Stop()
		case <-timer.C:
			return
		case <-s.done:
			timer.Stop()
			return
		}
	}
}

// C returns the channel a consumer ranges over to drain offers in arrival
// order; it closes when the stream ends.
func (s *Stream) C() <-chan Offer { return s.ch }

// Destroy drains the queue, marks the stream destroyed, and stops pump.
func (s *Stream) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.queue = nil
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
}
