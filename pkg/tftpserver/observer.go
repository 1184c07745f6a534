package tftpserver

import (
	"github.com/jgoldverg/tftpd/internal"
	"github.com/jgoldverg/tftpd/pkg/metrics"
	"github.com/jgoldverg/tftpd/pkg/session"
	"github.com/jgoldverg/tftpd/pkg/tftpwire"
)

// sessionObserver turns session lifecycle events into log lines and metrics.
type sessionObserver struct {
	metrics *metrics.SessionCollector
}

func sessionFields(c *session.Context) internal.Fields {
	fields := internal.Fields{
		internal.FieldSession:   c.Key,
		internal.FieldSessionID: c.ID,
	}
	if c.Filename != "" {
		fields[internal.FieldFile] = c.Filename
	}
	return fields
}

func (o *sessionObserver) SessionStarted(c *session.Context) {
	o.metrics.ObserveSessionStart()
	if internal.Enabled(internal.LevelDebug) {
		fields := sessionFields(c)
		if c.RemoteAddr != nil {
			fields[internal.FieldRemote] = c.RemoteAddr.String()
		}
		internal.Debug("session started", fields)
	}
}

func (o *sessionObserver) StateEntered(c *session.Context, s session.State) {
	if internal.Enabled(internal.LevelTrace) {
		fields := sessionFields(c)
		fields[internal.FieldState] = string(s)
		internal.Trace("session state", fields)
	}
}

func (o *sessionObserver) PacketSent(c *session.Context, pkt []byte, retransmit bool) {
	if op, _ := tftpwire.PeekOpcode(pkt); op == tftpwire.OpError {
		o.metrics.ObserveErrorPacket()
		return
	}
	o.metrics.ObserveSend(tftpwire.DataPayloadLen(pkt), retransmit)
	if retransmit && internal.Enabled(internal.LevelDebug) {
		fields := sessionFields(c)
		fields[internal.FieldBlock] = c.Block
		fields[internal.FieldKey("try")] = c.Try
		internal.Debug("retransmitting block", fields)
	}
}

func (o *sessionObserver) SessionFinished(c *session.Context, res session.Result) {
	o.metrics.ObserveSessionFinish(res.Reason.String(), res.Duration)

	fields := sessionFields(c)
	fields[internal.FieldOutcome] = res.Reason.String()
	fields[internal.FieldState] = string(res.LastState)
	switch res.Reason {
	case session.ReasonCompleted:
		fields[internal.FieldBytes] = c.BytesSent
		fields[internal.FieldMode] = c.Mode
		fields[internal.FieldKey("duration")] = res.Duration.String()
		internal.Info("transfer complete", fields)
	case session.ReasonFailed:
		if res.Err != nil {
			fields[internal.FieldError] = res.Err.Error()
		}
		internal.Info("transfer failed", fields)
	case session.ReasonRetriesExhausted:
		// The peer gets nothing; this line is the only trace of it.
		fields[internal.FieldBlock] = c.Block
		internal.Warn("peer stopped acknowledging, session dropped", fields)
	default:
		internal.Debug("session aborted", fields)
	}
}

// trackingObserver keeps the server's session listing current before
// passing each state change on.
type trackingObserver struct {
	session.Observer
	track func(c *session.Context, s session.State)
}

func (o *trackingObserver) StateEntered(c *session.Context, s session.State) {
	o.track(c, s)
	o.Observer.StateEntered(c, s)
}
