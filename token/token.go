// Package token implements the capability token table CONSIGN/RETRIEVE
// authorize against: accept/reject/authorize plus a periodic expiry reaper.
package token

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shardpeer/metrics"
	"shardpeer/perr"
)

// Contact identifies the counterparty a token was issued to.
type Contact struct {
	Identity string
	Address  string
}

// Entry is one row of the token table.
type Entry struct {
	Hash    string
	Contact Contact
	Expires time.Time
}

// Table is the token table. All methods are safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
	log     *logrus.Entry

	closing chan struct{}
	once    sync.Once

	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics sink; counters increment only once one is
// set, so a table used without metrics (e.g. in tests) pays no cost.
func (t *Table) SetMetrics(m *metrics.Metrics) { t.metrics = m }

// NewTable wires a token table whose entries live for ttl (the configured
// TOKEN_EXPIRE) after being accepted.
func NewTable(ttl time.Duration, log *logrus.Logger) *Table {
	if log == nil {
		log = logrus.New()
	}
	return &Table{
		entries: make(map[string]Entry),
		ttl:     ttl,
		log:     log.WithField("component", "token-table"),
		closing: make(chan struct{}),
	}
}

// Accept stores {hash, contact, expires = now + ttl} under token. Both
// token and hash must be non-empty.
func (t *Table) Accept(token, hash string, contact Contact) error {
	if token == "" {
		return perr.Wrap(perr.ErrInvalidOperation, "token: empty token")
	}
	if hash == "" {
		return perr.Wrap(perr.ErrInvalidOperation, "token: empty hash")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[token] = Entry{
		Hash:    hash,
		Contact: contact,
		Expires: time.Now().Add(t.ttl),
	}
	if t.metrics != nil {
		t.metrics.TokensIssued.Inc()
	}
	return nil
}

// Reject deletes token's entry, if any.
func (t *Table) Reject(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, token)
}

// Authorize returns the entry for token if it is accepted, matches hash, and
// has not expired; otherwise it returns one of the named failure kinds
// a token must satisfy.
func (t *Table) Authorize(token, hash string) (Entry, error) {
	if token == "" {
		return Entry{}, perr.Wrap(perr.ErrUnauthorizedToken, "token: no token supplied")
	}
	t.mu.Lock()
	entry, ok := t.entries[token]
	t.mu.Unlock()
	if !ok {
		return Entry{}, perr.Wrap(perr.ErrUnauthorizedToken, "token: not accepted")
	}
	if hash == "" {
		return Entry{}, perr.Wrap(perr.ErrUnauthorizedToken, "token: no hash supplied")
	}
	if entry.Hash != hash {
		return Entry{}, perr.Wrap(perr.ErrUnauthorizedToken, "token: hash mismatch")
	}
	if time.Now().After(entry.Expires) {
		t.Reject(token)
		if t.metrics != nil {
			t.metrics.TokensExpired.Inc()
		}
		return Entry{}, perr.Wrap(perr.ErrUnauthorizedToken, "token: expired")
	}
	return entry, nil
}

// Run sweeps expired entries every ttl until Stop is called, matching
// a periodic task running on the configured TOKEN_EXPIRE interval.
func (t *Table) Run() {
	ticker := time.NewTicker(t.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.closing:
			return
		}
	}
}

func (t *Table) sweep() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for token, entry := range t.entries {
		if !entry.Expires.After(now) {
			delete(t.entries, token)
			t.log.WithField("token", token).Debug("token: expired entry reaped")
			if t.metrics != nil {
				t.metrics.TokensExpired.Inc()
			}
		}
	}
}

// Stop ends the sweep loop; safe to call multiple times.
func (t *Table) Stop() {
	t.once.Do(func() { close(t.closing) })
}
