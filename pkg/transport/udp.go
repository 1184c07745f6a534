// Package transport binds the datagram socket the TFTP server is multiplexed on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jgoldverg/tftpd/internal"
	"golang.org/x/sys/unix"
)

const maxDatagramSize = 64 * 1024

var (
	ErrNotBound     = errors.New("transport not bound")
	ErrAlreadyBound = errors.New("transport already bound")
	ErrClosed       = errors.New("transport closed")
)

// DatagramHandler is called from the reader goroutine for every inbound
// datagram. pkt is owned by the handler.
type DatagramHandler func(pkt []byte, from net.Addr)

type Transport interface {
	Bind(ctx context.Context, opts BindOptions, h DatagramHandler) error
	Send(pkt []byte, to net.Addr) error
	LocalAddr() net.Addr
	Close() error
}

type BindOptions struct {
	// Network is udp, udp4 or udp6. Plain udp on an empty address prefers a
	// dual-stack v6 socket and falls back to v4.
	Network         string
	Address         string
	Port            int
	ReadBufferSize  int
	WriteBufferSize int
	ReadTimeout     time.Duration
}

func DefaultBindOptions() BindOptions {
	return BindOptions{
		Network:         "udp",
		Port:            69,
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		ReadTimeout:     time.Second,
	}
}

type UDP struct {
	mu     sync.Mutex
	pc     net.PacketConn
	pump   *pktPump
	closed bool

	closeOnce sync.Once
	closeErr  error
}

func NewUDP() *UDP {
	return &UDP{}
}

func (u *UDP) Bind(ctx context.Context, opts BindOptions, h DatagramHandler) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	if u.pc != nil {
		return ErrAlreadyBound
	}

	internal.Info("udp listener launch requested", internal.Fields{
		internal.FieldPort:           opts.Port,
		internal.FieldAddr:           opts.Address,
		internal.FieldKey("network"): opts.Network,
	})
	pc, err := listen(ctx, opts)
	if err != nil {
		return err
	}
	if uc, ok := pc.(*net.UDPConn); ok {
		if opts.ReadBufferSize > 0 {
			_ = uc.SetReadBuffer(opts.ReadBufferSize)
		}
		if opts.WriteBufferSize > 0 {
			_ = uc.SetWriteBuffer(opts.WriteBufferSize)
		}
	}

	internal.Info("udp listener bound", internal.Fields{
		internal.FieldPort:           opts.Port,
		internal.FieldAddr:           pc.LocalAddr().String(),
		internal.FieldKey("network"): pc.LocalAddr().Network(),
	})

	u.pc = pc
	u.pump = newPktPump(pc, h, opts.ReadTimeout)
	u.pump.start(ctx)
	return nil
}

func listen(ctx context.Context, opts BindOptions) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if network == "udp6" {
					// Linux honors this; other platforms may ignore it.
					_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
				}
			})
		},
	}

	port := strconv.Itoa(opts.Port)
	switch opts.Network {
	case "udp4", "udp6":
		return lc.ListenPacket(ctx, opts.Network, net.JoinHostPort(opts.Address, port))
	case "", "udp":
		if opts.Address != "" {
			return lc.ListenPacket(ctx, "udp", net.JoinHostPort(opts.Address, port))
		}
		pc, err := lc.ListenPacket(ctx, "udp6", net.JoinHostPort("::", port))
		if err == nil {
			return pc, nil
		}
		internal.Warn("error creating udp ipv6 listener", internal.Fields{
			internal.FieldPort:  opts.Port,
			internal.FieldError: err.Error(),
		})
		pc, err = lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", port))
		if err != nil {
			internal.Error("error creating udp ipv4 listener", internal.Fields{
				internal.FieldPort:  opts.Port,
				internal.FieldError: err.Error(),
			})
			return nil, err
		}
		return pc, nil
	default:
		return nil, fmt.Errorf("unsupported network %q", opts.Network)
	}
}

func (u *UDP) Send(pkt []byte, to net.Addr) error {
	u.mu.Lock()
	pc, closed := u.pc, u.closed
	u.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if pc == nil {
		return ErrNotBound
	}
	_, err := pc.WriteTo(pkt, to)
	return err
}

func (u *UDP) LocalAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pc == nil {
		return nil
	}
	return u.pc.LocalAddr()
}

// Close releases the socket and waits for the reader goroutine. Later calls
// return the first result.
func (u *UDP) Close() error {
	u.closeOnce.Do(func() {
		u.mu.Lock()
		u.closed = true
		pc, pump := u.pc, u.pump
		u.mu.Unlock()

		if pc == nil {
			return
		}
		u.closeErr = pc.Close()
		pump.stop()
		internal.Info("udp listener closed", internal.Fields{
			internal.FieldAddr: pc.LocalAddr().String(),
		})
	})
	return u.closeErr
}

type pktPump struct {
	pc          net.PacketConn
	h           DatagramHandler
	readTimeout time.Duration
	closed      chan struct{}
}

func newPktPump(pc net.PacketConn, h DatagramHandler, readTimeout time.Duration) *pktPump {
	return &pktPump{
		pc:          pc,
		h:           h,
		readTimeout: readTimeout,
		closed:      make(chan struct{}),
	}
}

func (p *pktPump) start(ctx context.Context) {
	go func() {
		defer close(p.closed)

		buf := make([]byte, maxDatagramSize)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if p.readTimeout > 0 {
				_ = p.pc.SetReadDeadline(time.Now().Add(p.readTimeout))
			}
			n, src, err := p.pc.ReadFrom(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				// socket closed or fatal error
				return
			}
			if p.h != nil {
				pkt := make([]byte, n)
				copy(pkt, buf[:n])
				p.h(pkt, src)
			}
		}
	}()
}

// stop waits for the reader to exit; the caller closes the socket first.
func (p *pktPump) stop() {
	<-p.closed
}
