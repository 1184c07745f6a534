// Package session implements the per-client state machine of a TFTP read
// transfer: request parsing, route resolution, block-by-block sending with
// acknowledgement-driven flow control and bounded retransmission.
package session

import (
	"fmt"
	"net"
	"time"

	"github.com/jgoldverg/tftpd/pkg/route"
)

type State string

const (
	StateInit              State = "init"
	StateGetData           State = "getData"
	StatePrepareDataPacket State = "prepareDataPacket"
	StateSendDataPacket    State = "sendDataPacket"
	StateFinal             State = "final"
)

const (
	DefaultRetransmitTimeout = 1000 * time.Millisecond
	// MaxRetries is the number of resends after the first send of a block.
	MaxRetries = 3
)

// Context is the mutable record threaded through every state of one session.
type Context struct {
	Key        string
	ID         string
	RemoteAddr net.Addr

	// Request holds the raw RRQ datagram until init has parsed it.
	Request  []byte
	Filename string
	Mode     string

	// Routes is shared with the server, so route changes reach sessions
	// already in flight.
	Routes *route.Table

	Data      []byte
	Block     int
	BlockSize int
	Packet    []byte
	Try       int

	BytesSent int
	Started   time.Time
}

type Reason int

const (
	ReasonCompleted Reason = iota
	ReasonFailed
	ReasonRetriesExhausted
	ReasonAborted
)

func (r Reason) String() string {
	switch r {
	case ReasonCompleted:
		return "completed"
	case ReasonFailed:
		return "failed"
	case ReasonRetriesExhausted:
		return "retries_exhausted"
	case ReasonAborted:
		return "aborted"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Result is what a session reports to its owner when it reaches StateFinal.
type Result struct {
	Err       error
	LastState State
	Reason    Reason
	Duration  time.Duration
}

// Scheduler serialises session work. *eventloop.Loop implements it.
type Scheduler interface {
	Post(fn func()) bool
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// Observer receives lifecycle notifications. All methods are called from the
// scheduler goroutine.
type Observer interface {
	SessionStarted(c *Context)
	StateEntered(c *Context, s State)
	PacketSent(c *Context, pkt []byte, retransmit bool)
	SessionFinished(c *Context, res Result)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(*Context)           {}
func (nopObserver) StateEntered(*Context, State)      {}
func (nopObserver) PacketSent(*Context, []byte, bool) {}
func (nopObserver) SessionFinished(*Context, Result)  {}
