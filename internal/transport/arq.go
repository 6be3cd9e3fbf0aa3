package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/xtaci/kcp-go/v5"

	"github.com/Enanyy/Frame/internal/wire"
)

// ARQOverhead is the size of a KCP segment header. A datagram shorter than
// this cannot be an ARQ segment.
const ARQOverhead = 24

// ARQConfig tunes the per-peer KCP state machines.
type ARQConfig struct {
	Interval time.Duration // update period, also passed to NoDelay
	Window   int
	MTU      int
	Bounds   wire.Bounds

	// OnFrame receives each frame reassembled for conv.
	OnFrame func(conv uint32, f wire.Frame, from netip.AddrPort)
	// OnProbe receives 4-byte identity probes carried inside KCP.
	OnProbe func(conv uint32, id int32, from netip.AddrPort)
	// OnDrop receives messages that were not valid frames.
	OnDrop func(conv uint32, err error)
}

func (c *ARQConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Millisecond
	}
	if c.Window <= 0 {
		c.Window = 128
	}
	if c.MTU <= 0 {
		c.MTU = 1400
	}
}

// ARQ multiplexes KCP sessions over one Datagram socket, keyed by conv.
// Each peer's KCP state is touched by the receive path (Input) and by its
// update goroutine and Send; a per-peer mutex serializes the two.
type ARQ struct {
	dg  *Datagram
	cfg ARQConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	peers map[uint32]*arqPeer
}

type arqPeer struct {
	mu   sync.Mutex
	conv uint32
	kcp  *kcp.KCP
	addr netip.AddrPort
	stop chan struct{}
	buf  []byte

	// dirty is set by Send and Input; an update with nothing queued and
	// nothing to acknowledge is skipped.
	dirty bool
	// base is the KCP clock reading taken at epoch.
	base  uint32
	epoch time.Time
}

// clock returns the current time on KCP's millisecond clock.
func (p *arqPeer) clock() uint32 {
	return p.base + uint32(time.Since(p.epoch)/time.Millisecond)
}

// due reports whether the peer has work and KCP's next deadline has come.
// Callers hold p.mu.
func (p *arqPeer) due() bool {
	if !p.dirty && p.kcp.WaitSnd() == 0 {
		return false
	}
	// clock may trail KCP's by up to a millisecond.
	return int32(p.kcp.Check()-p.clock()) <= 1
}

func (p *arqPeer) update() {
	p.kcp.Update()
	p.dirty = false
}

// NewARQ layers KCP on dg. The caller still owns dg and must route
// datagrams to Input.
func NewARQ(dg *Datagram, cfg ARQConfig) *ARQ {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &ARQ{dg: dg, cfg: cfg, ctx: ctx, cancel: cancel, peers: make(map[uint32]*arqPeer)}
}

// Open creates the KCP state for conv and starts its update loop. addr may
// be the zero value until the peer's address is learned; output is
// discarded until then.
func (a *ARQ) Open(conv uint32, addr netip.AddrPort) error {
	if a.ctx.Err() != nil {
		return ErrClosed
	}
	p := &arqPeer{conv: conv, addr: addr, stop: make(chan struct{}), buf: make([]byte, maxDatagram)}
	p.kcp = kcp.NewKCP(conv, func(buf []byte, size int) {
		// Runs inside KCP calls, with p.mu held.
		if !p.addr.IsValid() && !a.dg.connected {
			return
		}
		_ = a.dg.WriteTo(buf[:size], p.addr)
	})
	ms := int(a.cfg.Interval / time.Millisecond)
	p.kcp.NoDelay(1, ms, 2, 1)
	p.kcp.WndSize(a.cfg.Window, a.cfg.Window)
	p.kcp.SetMtu(a.cfg.MTU)
	// Before the first Update, Check reports KCP's current time.
	p.epoch = time.Now()
	p.base = p.kcp.Check()

	a.mu.Lock()
	if _, exists := a.peers[conv]; exists {
		a.mu.Unlock()
		return errors.New("transport: arq conv already open")
	}
	a.peers[conv] = p
	a.mu.Unlock()

	a.wg.Add(1)
	go a.updateLoop(p)
	return nil
}

func (a *ARQ) updateLoop(p *arqPeer) {
	defer a.wg.Done()
	t := time.NewTicker(a.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			p.mu.Lock()
			if p.due() {
				p.update()
			}
			p.mu.Unlock()
		}
	}
}

// SetAddr records where conv's segments are sent.
func (a *ARQ) SetAddr(conv uint32, addr netip.AddrPort) bool {
	p := a.peer(conv)
	if p == nil {
		return false
	}
	p.mu.Lock()
	p.addr = addr
	p.mu.Unlock()
	return true
}

// Remove stops conv's update loop and drops its KCP state.
func (a *ARQ) Remove(conv uint32) {
	a.mu.Lock()
	p, ok := a.peers[conv]
	delete(a.peers, conv)
	a.mu.Unlock()
	if ok {
		close(p.stop)
	}
}

// Len returns the number of open peers.
func (a *ARQ) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.peers)
}

func (a *ARQ) peer(conv uint32) *arqPeer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.peers[conv]
}

// Send queues f on conv's reliable stream. It is flushed by the next update.
func (a *ARQ) Send(conv uint32, f wire.Frame) error {
	return a.sendRaw(conv, f.Bytes())
}

// SendProbe sends the 4-byte identity probe through KCP, producing a
// 28-byte segment on the wire.
func (a *ARQ) SendProbe(conv uint32, id int32) error {
	var b [sessionIDSize]byte
	wire.PutSessionID(b[:], id)
	return a.sendRaw(conv, b[:])
}

func (a *ARQ) sendRaw(conv uint32, b []byte) error {
	p := a.peer(conv)
	if p == nil {
		return ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ret := p.kcp.Send(b); ret < 0 {
		return &Error{Op: "arq send", Addr: addrString(p.addr), Err: errors.New("kcp send refused")}
	}
	p.dirty = true
	return nil
}

// ConvOf reads the conv from a raw datagram, if it is long enough to be a
// KCP segment.
func ConvOf(p []byte) (uint32, bool) {
	if len(p) < ARQOverhead {
		return 0, false
	}
	return binary.LittleEndian.Uint32(p), true
}

// Input feeds a raw datagram to the peer named by its conv. It reports
// false when the datagram is not for an open peer. Reassembled messages
// are delivered through the config callbacks on the calling goroutine.
func (a *ARQ) Input(data []byte, from netip.AddrPort) bool {
	conv, ok := ConvOf(data)
	if !ok {
		return false
	}
	p := a.peer(conv)
	if p == nil {
		return false
	}
	var msgs [][]byte
	p.mu.Lock()
	if ret := p.kcp.Input(data, true, false); ret < 0 {
		p.mu.Unlock()
		return false
	}
	p.dirty = true
	if from.IsValid() {
		p.addr = from
	}
	for {
		n := p.kcp.PeekSize()
		if n <= 0 {
			break
		}
		if n > len(p.buf) {
			p.buf = make([]byte, n)
		}
		m := p.kcp.Recv(p.buf[:n])
		if m <= 0 {
			break
		}
		msg := make([]byte, m)
		copy(msg, p.buf[:m])
		msgs = append(msgs, msg)
	}
	p.mu.Unlock()

	for _, msg := range msgs {
		a.deliver(conv, msg, from)
	}
	return true
}

func (a *ARQ) deliver(conv uint32, msg []byte, from netip.AddrPort) {
	if len(msg) == sessionIDSize {
		if a.cfg.OnProbe != nil {
			a.cfg.OnProbe(conv, wire.SessionID(msg), from)
		}
		return
	}
	f, err := wire.Decode(msg, a.cfg.Bounds)
	if err != nil {
		if a.cfg.OnDrop != nil {
			a.cfg.OnDrop(conv, err)
		}
		return
	}
	if a.cfg.OnFrame != nil {
		a.cfg.OnFrame(conv, f, from)
	}
}

// Close stops every update loop, waiting up to timeout. The datagram
// socket is left to its owner.
func (a *ARQ) Close(timeout time.Duration) {
	a.cancel()
	a.mu.Lock()
	a.peers = make(map[uint32]*arqPeer)
	a.mu.Unlock()
	waitTimeout(&a.wg, timeout)
}
