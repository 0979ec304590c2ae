// Package events implements the single-producer event queue that the
// orchestration engine posts state-change records to for external
// delivery, and the fixed vocabulary of event codes those records carry.
package events

import (
	"sync"

	"github.com/quietmesh/noded/internal/engine"
)

// Code is one of the fixed event codes named in the external API. Names
// are frozen for wire/API compatibility with consumers.
type Code string

const (
	NodeUp                 Code = "NODE_UP"
	NodeOnline             Code = "NODE_ONLINE"
	NodeOffline            Code = "NODE_OFFLINE"
	NodeDown               Code = "NODE_DOWN"
	NodeNormalTermination  Code = "NODE_NORMAL_TERMINATION"
	NodeUnrecoverableError Code = "NODE_UNRECOVERABLE_ERROR"
	NodeIdentityCollision  Code = "NODE_IDENTITY_COLLISION"

	NetworkNotFound      Code = "NETWORK_NOT_FOUND"
	NetworkClientTooOld  Code = "NETWORK_CLIENT_TOO_OLD"
	NetworkReqConfig     Code = "NETWORK_REQ_CONFIG"
	NetworkOK            Code = "NETWORK_OK"
	NetworkAccessDenied  Code = "NETWORK_ACCESS_DENIED"
	NetworkReadyIP4      Code = "NETWORK_READY_IP4"
	NetworkReadyIP6      Code = "NETWORK_READY_IP6"
	NetworkUpdate        Code = "NETWORK_UPDATE"

	AddrAddedIP4   Code = "ADDR_ADDED_IP4"
	AddrAddedIP6   Code = "ADDR_ADDED_IP6"
	AddrRemovedIP4 Code = "ADDR_REMOVED_IP4"
	AddrRemovedIP6 Code = "ADDR_REMOVED_IP6"

	PeerDirect          Code = "PEER_DIRECT"
	PeerRelay           Code = "PEER_RELAY"
	PeerPathDiscovered  Code = "PEER_PATH_DISCOVERED"
	PeerPathDead        Code = "PEER_PATH_DEAD"
)

// Message is one posted event. Fields not relevant to a given Code are
// left zero.
type Message struct {
	Code    Code             `json:"code"`
	NWID    engine.NetworkID `json:"nwid,omitempty"`
	Peer    engine.PeerAddress `json:"peer,omitempty"`
	Addr    *[]byte          `json:"addr,omitempty"`    // raw address bytes, for ADDR_* events
	Message string           `json:"message,omitempty"` // human-readable detail, for NODE_UNRECOVERABLE_ERROR etc.
}

// Sink is a bounded, single-producer-many-consumer FIFO queue. The service
// thread and engine callbacks both append under Sink's own lock, so
// delivery is FIFO per producer as required by spec.
type Sink struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  []Message
	max  int
}

// NewSink creates a Sink that drops the oldest entry once max pending
// messages have accumulated and no consumer has drained them; max <= 0
// means unbounded.
func NewSink(max int) *Sink {
	s := &Sink{max: max}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Post appends a message to the queue and wakes any blocked Drain/Wait
// caller.
func (s *Sink) Post(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, m)
	if s.max > 0 && len(s.buf) > s.max {
		s.buf = s.buf[len(s.buf)-s.max:]
	}
	s.cond.Broadcast()
}

// Drain removes and returns all currently queued messages without
// blocking.
func (s *Sink) Drain() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil
	}
	out := s.buf
	s.buf = nil
	return out
}

// Len returns the number of currently queued messages.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}
