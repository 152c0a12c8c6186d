// Package presence tracks which users are reachable on a live connection and
// buffers envelopes for the ones that are not.
package presence

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/aeolun/buddychat/pkg/protocol"
)

var log = logrus.WithField("component", "presence")

// DefaultMailboxCapacity bounds each offline user's mailbox.
const DefaultMailboxCapacity = 1000

var (
	// ErrClosed is returned by Connect after Shutdown.
	ErrClosed = errors.New("presence registry closed")
	// ErrAlreadyOnline is returned by Connect when the user already has a live endpoint.
	ErrAlreadyOnline = errors.New("already logged in")
)

// Endpoint is the live handle of an authenticated session.
type Endpoint interface {
	// Deliver hands an envelope routed from elsewhere to the session. It
	// reports whether the envelope reached the connection.
	//
	// Deliver runs while the registry holds the recipient's delivery lane, so
	// it may take the user store's lock (registry before store). Code holding
	// the store lock must never call into the registry.
	Deliver(env protocol.Envelope) bool
	// Terminate asks the session to end its connection. It must be safe to
	// call from any goroutine and more than once.
	Terminate()
}

// Metrics receives registry gauges. A nil Metrics is ignored.
type Metrics interface {
	SetOnlineUsers(n int)
	SetMailboxDepth(n int)
}

// lane serializes delivery to one user: a mailbox flush and routed envelopes
// for the same ID never interleave.
type lane struct {
	mu   sync.Mutex
	refs int
}

// Registry maps online user IDs to their endpoints and keeps a bounded FIFO
// mailbox per offline user.
type Registry struct {
	mu        sync.Mutex
	online    map[string]Endpoint
	mailboxes map[string][]protocol.Envelope
	lanes     map[string]*lane
	queued    int
	closed    bool

	capacity int
	metrics  Metrics
	flushes  sync.WaitGroup
}

// New creates a registry whose mailboxes hold at most capacity envelopes.
// A non-positive capacity means DefaultMailboxCapacity.
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	return &Registry{
		online:    make(map[string]Endpoint),
		mailboxes: make(map[string][]protocol.Envelope),
		lanes:     make(map[string]*lane),
		capacity:  capacity,
	}
}

// SetMetrics attaches gauges.
func (r *Registry) SetMetrics(m Metrics) {
	r.mu.Lock()
	r.metrics = m
	r.mu.Unlock()
}

func (r *Registry) acquireLane(id string) *lane {
	r.mu.Lock()
	l := r.lanes[id]
	if l == nil {
		l = &lane{}
		r.lanes[id] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return l
}

func (r *Registry) releaseLane(id string, l *lane) {
	l.mu.Unlock()

	r.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(r.lanes, id)
	}
	r.mu.Unlock()
}

// Connect registers ep as the live endpoint for id. Anything waiting in the
// mailbox is flushed to ep in FIFO order by a background goroutine; routes to
// id wait until the flush is done.
func (r *Registry) Connect(id string, ep Endpoint) error {
	l := r.acquireLane(id)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.releaseLane(id, l)
		return ErrClosed
	}
	if _, ok := r.online[id]; ok {
		r.mu.Unlock()
		r.releaseLane(id, l)
		return ErrAlreadyOnline
	}
	r.online[id] = ep
	pending := r.mailboxes[id]
	delete(r.mailboxes, id)
	r.queued -= len(pending)
	r.reportLocked()
	if len(pending) > 0 {
		r.flushes.Add(1)
	}
	r.mu.Unlock()

	if len(pending) == 0 {
		r.releaseLane(id, l)
		return nil
	}

	log.WithFields(logrus.Fields{"user": id, "count": len(pending)}).Debug("flushing mailbox")
	go r.flush(id, ep, l, pending)
	return nil
}

func (r *Registry) flush(id string, ep Endpoint, l *lane, pending []protocol.Envelope) {
	defer r.flushes.Done()
	defer r.releaseLane(id, l)

	for i, env := range pending {
		if ep.Deliver(env) {
			continue
		}
		rest := pending[i:]
		log.WithFields(logrus.Fields{"user": id, "count": len(rest)}).Warn("mailbox flush interrupted, requeueing")

		r.mu.Lock()
		if !r.closed {
			r.mailboxes[id] = r.boundLocked(append(rest, r.mailboxes[id]...))
			r.recountLocked()
			r.reportLocked()
		}
		r.mu.Unlock()
		return
	}
}

// Disconnect removes the live mapping for id. It waits for any delivery to id
// that is in flight. Safe to call for IDs that are not online.
func (r *Registry) Disconnect(id string) bool {
	l := r.acquireLane(id)
	defer r.releaseLane(id, l)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.online[id]; !ok {
		return false
	}
	delete(r.online, id)
	r.reportLocked()
	return true
}

// IsOnline reports whether id has a live endpoint.
func (r *Registry) IsOnline(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.online[id]
	return ok
}

// OnlineCount returns the number of live endpoints.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.online)
}

// MailboxLen returns how many envelopes are queued for id.
func (r *Registry) MailboxLen(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mailboxes[id])
}

// Route delivers env to the live endpoint of to and returns its result. For
// an offline user the envelope is queued and Route returns true, except for
// presence notifications, which are dropped and reported as false. After
// Shutdown nothing is delivered or queued.
func (r *Registry) Route(to string, env protocol.Envelope) bool {
	l := r.acquireLane(to)
	defer r.releaseLane(to, l)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	ep, ok := r.online[to]
	if !ok {
		defer r.mu.Unlock()
		if env.Command() == protocol.CmdRetOnlineNotify {
			return false
		}
		r.enqueueLocked(to, env)
		return true
	}
	r.mu.Unlock()

	return ep.Deliver(env)
}

func (r *Registry) enqueueLocked(id string, env protocol.Envelope) {
	box := append(r.mailboxes[id], env)
	r.queued++
	if len(box) > r.capacity {
		evicted := len(box) - r.capacity
		box = r.boundLocked(box)
		r.queued -= evicted
		log.WithField("user", id).Debugf("mailbox full, evicted %d", evicted)
	}
	r.mailboxes[id] = box
	r.reportLocked()
}

// boundLocked keeps the newest capacity envelopes of box.
func (r *Registry) boundLocked(box []protocol.Envelope) []protocol.Envelope {
	if len(box) <= r.capacity {
		return box
	}
	kept := make([]protocol.Envelope, r.capacity)
	copy(kept, box[len(box)-r.capacity:])
	return kept
}

func (r *Registry) recountLocked() {
	r.queued = 0
	for _, box := range r.mailboxes {
		r.queued += len(box)
	}
}

func (r *Registry) reportLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetOnlineUsers(len(r.online))
	r.metrics.SetMailboxDepth(r.queued)
}

// Shutdown closes the registry and terminates every live endpoint. It returns
// once running mailbox flushes have finished.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	endpoints := make([]Endpoint, 0, len(r.online))
	for id, ep := range r.online {
		endpoints = append(endpoints, ep)
		delete(r.online, id)
	}
	r.reportLocked()
	r.mu.Unlock()

	log.Infof("terminating %d live sessions", len(endpoints))
	for _, ep := range endpoints {
		ep.Terminate()
	}
	r.flushes.Wait()
}
