package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jgoldverg/tftpd/pkg/route"
	"github.com/jgoldverg/tftpd/pkg/tftpwire"
)

type Config struct {
	Scheduler Scheduler
	// Outbound receives every packet the session emits, addressed to the
	// session's peer by the owner.
	Outbound func(pkt []byte)
	// OnDone is called exactly once, when the session reaches StateFinal.
	OnDone            func(res Result)
	Observer          Observer
	RetransmitTimeout time.Duration
}

// Conn drives one session. Apart from New, all methods must be called from the
// scheduler goroutine.
type Conn struct {
	ctx      *Context
	sched    Scheduler
	outbound func([]byte)
	onDone   func(Result)
	observer Observer
	timeout  time.Duration

	state       State
	gen         uint64
	listener    func(msg []byte)
	cancelTimer func()
	finished    bool
}

func New(ctx *Context, cfg Config) *Conn {
	if ctx.ID == "" {
		ctx.ID = uuid.NewString()
	}
	if ctx.BlockSize == 0 {
		ctx.BlockSize = tftpwire.BlockSize
	}
	c := &Conn{
		ctx:      ctx,
		sched:    cfg.Scheduler,
		outbound: cfg.Outbound,
		onDone:   cfg.OnDone,
		observer: cfg.Observer,
		timeout:  cfg.RetransmitTimeout,
	}
	if c.outbound == nil {
		c.outbound = func([]byte) {}
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRetransmitTimeout
	}
	return c
}

func (c *Conn) Context() *Context {
	return c.ctx
}

func (c *Conn) State() State {
	return c.state
}

func (c *Conn) Finished() bool {
	return c.finished
}

// Start schedules the init state.
func (c *Conn) Start() {
	if c.ctx.Started.IsZero() {
		c.ctx.Started = time.Now()
	}
	c.observer.SessionStarted(c.ctx)
	c.enter(StateInit)
}

// Deliver hands an inbound datagram to whichever state is listening. With no
// listener the datagram is dropped.
func (c *Conn) Deliver(msg []byte) {
	if c.finished || c.listener == nil {
		return
	}
	c.listener(msg)
}

// Abort ends the session without sending anything to the peer.
func (c *Conn) Abort() {
	c.finish(nil, ReasonAborted)
}

// enter leaves the current state and schedules s. Bumping gen invalidates any
// listener, timer or route callback armed by the state being left.
func (c *Conn) enter(s State) {
	c.leave()
	c.state = s
	gen := c.gen
	c.sched.Post(func() {
		if c.stale(gen) {
			return
		}
		c.observer.StateEntered(c.ctx, s)
		switch s {
		case StateInit:
			c.init()
		case StateGetData:
			c.getData()
		case StatePrepareDataPacket:
			c.prepareDataPacket()
		case StateSendDataPacket:
			c.sendDataPacket()
		}
	})
}

func (c *Conn) leave() {
	c.gen++
	c.listener = nil
	if c.cancelTimer != nil {
		c.cancelTimer()
		c.cancelTimer = nil
	}
}

func (c *Conn) stale(gen uint64) bool {
	return c.finished || c.gen != gen
}

func (c *Conn) init() {
	req, err := tftpwire.ParseReadRequest(c.ctx.Request)
	c.ctx.Request = nil
	if err != nil {
		if errors.Is(err, tftpwire.ErrMalformedPacket) {
			err = tftpwire.ErrIllegalOperation
		}
		c.finish(err, ReasonFailed)
		return
	}
	if req.Filename == "" {
		c.finish(tftpwire.ErrFileNotFound, ReasonFailed)
		return
	}
	c.ctx.Filename = req.Filename
	c.ctx.Mode = req.Mode
	c.enter(StateGetData)
}

func (c *Conn) getData() {
	if c.ctx.Routes == nil {
		c.finish(tftpwire.ErrFileNotFound, ReasonFailed)
		return
	}
	gen := c.gen
	req := &route.Request{
		Filename:   c.ctx.Filename,
		Mode:       c.ctx.Mode,
		SessionKey: c.ctx.Key,
		RemoteAddr: c.ctx.RemoteAddr,
	}
	// Handlers may answer from any goroutine; results are posted back.
	c.ctx.Routes.Resolve(req, func(data []byte) {
		c.sched.Post(func() {
			if c.stale(gen) {
				return
			}
			c.ctx.Data = data
			c.ctx.Block = 0
			c.ctx.BlockSize = tftpwire.BlockSize
			c.enter(StatePrepareDataPacket)
		})
	}, func(err error) {
		c.sched.Post(func() {
			if c.stale(gen) {
				return
			}
			c.finish(err, ReasonFailed)
		})
	})
}

func (c *Conn) prepareDataPacket() {
	bs := c.ctx.BlockSize
	start := c.ctx.Block * bs
	if start > len(c.ctx.Data) {
		start = len(c.ctx.Data)
	}
	end := start + bs
	if end > len(c.ctx.Data) {
		end = len(c.ctx.Data)
	}
	// Wire block numbers roll over past 65535.
	c.ctx.Packet = tftpwire.BuildData(uint16(c.ctx.Block+1), c.ctx.Data[start:end])
	c.ctx.Block++
	c.ctx.Try = 0
	c.enter(StateSendDataPacket)
}

func (c *Conn) sendDataPacket() {
	if c.ctx.Try > MaxRetries {
		c.finish(nil, ReasonRetriesExhausted)
		return
	}
	retransmit := c.ctx.Try > 0
	c.ctx.Try++

	pkt := c.ctx.Packet
	c.outbound(pkt)
	if !retransmit {
		c.ctx.BytesSent += tftpwire.DataPayloadLen(pkt)
	}
	c.observer.PacketSent(c.ctx, pkt, retransmit)

	gen := c.gen
	sent, _ := tftpwire.ReadUint16(pkt, 2)
	c.cancelTimer = c.sched.AfterFunc(c.timeout, func() {
		if c.stale(gen) {
			return
		}
		c.enter(StateSendDataPacket)
	})
	c.listener = func(msg []byte) {
		block, ok := tftpwire.ParseAck(msg)
		if !ok || block != sent {
			return
		}
		if len(pkt) != tftpwire.DataHeaderLen+c.ctx.BlockSize {
			c.finish(nil, ReasonCompleted)
			return
		}
		c.enter(StatePrepareDataPacket)
	}
}

// finish runs the final state once: it reports err to the peer as an ERROR
// packet, releases the timer and listener, and notifies the owner.
func (c *Conn) finish(err error, reason Reason) {
	if c.finished {
		return
	}
	last := c.state
	c.leave()
	c.finished = true
	c.state = StateFinal

	if err != nil {
		pkt := tftpwire.BuildErrorFor(err)
		c.outbound(pkt)
		c.observer.PacketSent(c.ctx, pkt, false)
	}

	res := Result{
		Err:       err,
		LastState: last,
		Reason:    reason,
		Duration:  time.Since(c.ctx.Started),
	}
	c.observer.SessionFinished(c.ctx, res)
	if c.onDone != nil {
		c.onDone(res)
	}
}
