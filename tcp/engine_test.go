package tcp_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/netip"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/soypat/tcpengine/internal/ltesto"
	"github.com/soypat/tcpengine/tcp"
	"github.com/soypat/tcpengine/x/xnet"
)

var (
	serverAddr = netip.MustParseAddr("10.0.0.1")
	clientAddr = netip.MustParseAddr("10.0.0.2")
)

// testNet connects a server and a client engine through a loopback network
// driven by a manual clock. Segments only travel when flush is called.
type testNet struct {
	t      *testing.T
	cfg    tcp.Config
	lo     *xnet.Loopback
	clock  *ltesto.Clock
	server *tcp.Engine
	client *tcp.Engine
	// drop, if set, is consulted for every segment sent.
	drop func(src netip.Addr, hdr tcp.Header, payload []byte) bool
}

func newTestNet(t *testing.T) *testNet {
	t.Helper()
	tn := &testNet{
		t:     t,
		cfg:   tcp.DefaultConfig(),
		clock: ltesto.NewClock(time.Unix(1_700_000_000, 0)),
	}
	tn.lo = xnet.NewLoopback(xnet.LoopbackConfig{
		Drop: func(src, dst netip.Addr, segment []byte) bool {
			if tn.drop == nil {
				return false
			}
			hdr, payload, err := tcp.DecodeSegment(segment)
			return err == nil && tn.drop(src, hdr, payload)
		},
	})
	tn.server = newEngine(t, tn.lo.Host(serverAddr), tn.cfg, tn.clock)
	tn.client = newEngine(t, tn.lo.Host(clientAddr), tn.cfg, tn.clock)
	return tn
}

// newEngine attaches a new engine to host. A nil clock selects the system clock.
func newEngine(t *testing.T, host *xnet.Host, cfg tcp.Config, clock tcp.Clock) *tcp.Engine {
	t.Helper()
	engine, err := tcp.NewEngine(tcp.EngineConfig{
		Config:  cfg,
		Network: host,
		Clock:   clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	host.Attach(engine)
	return engine
}

// flush delivers segments until the network is quiet.
func (tn *testNet) flush() {
	tn.t.Helper()
	tn.lo.Flush(10_000)
	if tn.lo.Queued() > 0 {
		tn.t.Fatal("network did not settle")
	}
}

func (tn *testNet) listen(port uint16, backlog int) *tcp.Listener {
	tn.t.Helper()
	l, err := tn.server.Listen(netip.AddrPortFrom(serverAddr, port), backlog)
	if err != nil {
		tn.t.Fatal(err)
	}
	return l
}

// connect opens a client connection to l and returns both ends once established.
func (tn *testNet) connect(l *tcp.Listener) (client, server *tcp.Conn) {
	tn.t.Helper()
	client, err := tn.client.Connect(l.Addr())
	if err != nil {
		tn.t.Fatal(err)
	}
	if client.State() != tcp.StateSynSent {
		tn.t.Fatalf("client state after connect: %s", client.State())
	}
	tn.flush()
	if client.State() != tcp.StateEstablished {
		tn.t.Fatalf("client state after handshake: %s", client.State())
	}
	server, err = l.TryAccept()
	if err != nil {
		tn.t.Fatal(err)
	}
	if server.State() != tcp.StateEstablished {
		tn.t.Fatalf("server state after handshake: %s", server.State())
	}
	return client, server
}

func drainEvents(e *tcp.Engine) (kinds []tcp.EventKind) {
	for {
		select {
		case ev := <-e.Events():
			kinds = append(kinds, ev.Kind)
		default:
			return kinds
		}
	}
}

func readAvailable(t *testing.T, conn *tcp.Conn) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 2048)
	for {
		n, err := conn.TryRead(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, tcp.ErrWouldBlock) {
			return out
		} else if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}

func TestEngineHandshake(t *testing.T) {
	tn := newTestNet(t)
	l := tn.listen(80, 0)
	client, server := tn.connect(l)

	if server.RemoteAddr() != client.LocalAddr() || client.RemoteAddr() != l.Addr() {
		t.Errorf("endpoints mismatch: client=%s server=%s", client.ID(), server.ID())
	}
	cs, ss := client.Stats(), server.Stats()
	if cs.SegmentsSent != 2 || ss.SegmentsSent != 1 {
		t.Errorf("three-way handshake: client sent %d, server sent %d", cs.SegmentsSent, ss.SegmentsSent)
	}
	if cs.MSS != 1460 || ss.MSS != 1460 {
		t.Errorf("mss client=%d server=%d", cs.MSS, ss.MSS)
	}
	if cs.CongestionWindow != 1 {
		t.Errorf("handshake must not grow cwnd: %d", cs.CongestionWindow)
	}
	if got := drainEvents(tn.client); !slices.Contains(got, tcp.EventEstablished) {
		t.Errorf("client events: %v", got)
	}
	got := drainEvents(tn.server)
	if !slices.Contains(got, tcp.EventEstablished) || !slices.Contains(got, tcp.EventAcceptable) {
		t.Errorf("server events: %v", got)
	}
	if l.NumberOfHalfOpen() != 0 || l.NumberOfReadyToAccept() != 0 {
		t.Error("listener queues not empty after accept")
	}
	if timers := tcp.ArmedTimers(client); len(timers) != 0 {
		t.Errorf("idle connection has armed timers: %v", timers)
	}
}

func TestEngineDataDelayedAck(t *testing.T) {
	tn := newTestNet(t)
	client, server := tn.connect(tn.listen(80, 0))

	n, err := client.TryWrite([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	tn.flush()
	if got := readAvailable(t, server); string(got) != "hello" {
		t.Fatalf("server read %q", got)
	}
	// A single small segment is acknowledged after the delayed ACK timeout.
	if server.Stats().SegmentsSent != 1 {
		t.Fatalf("ACK not delayed: server sent %d segments", server.Stats().SegmentsSent)
	}
	tn.clock.Advance(tn.cfg.DelayedAck)
	tn.flush()
	if server.Stats().SegmentsSent != 2 {
		t.Fatalf("delayed ACK not sent: server sent %d segments", server.Stats().SegmentsSent)
	}
	cs := client.Stats()
	if cs.CongestionWindow != 2 {
		t.Errorf("cwnd=%d, want 2 after first data ACK", cs.CongestionWindow)
	}
	if cs.SRTT <= 0 {
		t.Error("no RTT sample taken")
	}
	if timers := tcp.ArmedTimers(client); len(timers) != 0 {
		t.Errorf("armed timers after all data acknowledged: %v", timers)
	}

	// Two full segments force an immediate acknowledgment.
	payload := bytes.Repeat([]byte{'x'}, 2*cs.MSS)
	sent := server.Stats().SegmentsSent
	if _, err = client.TryWrite(payload); err != nil {
		t.Fatal(err)
	}
	tn.flush()
	if got := server.Stats().SegmentsSent; got != sent+1 {
		t.Errorf("server sent %d segments for two full segments, want 1 immediate ACK", got-sent)
	}
	if got := readAvailable(t, server); !bytes.Equal(got, payload) {
		t.Errorf("server read %d bytes", len(got))
	}
}

func TestEngineGracefulClose(t *testing.T) {
	tn := newTestNet(t)
	client, server := tn.connect(tn.listen(80, 0))
	drainEvents(tn.client)
	drainEvents(tn.server)

	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if client.State() != tcp.StateFinWait1 {
		t.Fatalf("client state after close: %s", client.State())
	}
	tn.flush()
	if client.State() != tcp.StateFinWait2 || server.State() != tcp.StateCloseWait {
		t.Fatalf("half close: client=%s server=%s", client.State(), server.State())
	}
	if _, err := server.TryRead(make([]byte, 8)); err != io.EOF {
		t.Fatalf("server read after FIN: %v", err)
	}
	if !slices.Contains(drainEvents(tn.server), tcp.EventReadClosed) {
		t.Error("no read-closed event")
	}
	if _, err := client.TryWrite([]byte("late")); !errors.Is(err, tcp.ErrBrokenPipe) {
		t.Errorf("write after close: %v", err)
	}
	// Writing in CLOSE-WAIT is permitted.
	if _, err := server.TryWrite([]byte("bye")); err != nil {
		t.Fatalf("write in close-wait: %v", err)
	}

	if err := server.Close(); err != nil {
		t.Fatal(err)
	}
	tn.flush()
	if server.State() != tcp.StateClosed || server.Err() != nil {
		t.Fatalf("server state=%s err=%v", server.State(), server.Err())
	}
	if client.State() != tcp.StateTimeWait {
		t.Fatalf("client state: %s", client.State())
	}
	if timers := tcp.ArmedTimers(client); !slices.Equal(timers, []string{"close"}) {
		t.Errorf("time-wait timers: %v", timers)
	}
	tn.clock.Advance(tn.cfg.TimeWait - time.Millisecond)
	if client.State() != tcp.StateTimeWait {
		t.Fatalf("left time-wait early: %s", client.State())
	}
	tn.clock.Advance(time.Millisecond)
	if client.State() != tcp.StateClosed || client.Err() != nil {
		t.Fatalf("after time-wait: state=%s err=%v", client.State(), client.Err())
	}
	if timers := tcp.ArmedTimers(client); len(timers) != 0 {
		t.Errorf("closed connection has armed timers: %v", timers)
	}
	conns, _ := tn.client.Directory().(*tcp.MapDirectory).Len()
	if conns != 0 {
		t.Errorf("client directory holds %d connections", conns)
	}
	conns, listeners := tn.server.Directory().(*tcp.MapDirectory).Len()
	if conns != 0 || listeners != 1 {
		t.Errorf("server directory holds %d connections and %d listeners", conns, listeners)
	}
	if !slices.Contains(drainEvents(tn.client), tcp.EventClosed) {
		t.Error("no closed event")
	}
}

func TestEngineTimeWaitRetransmittedFIN(t *testing.T) {
	tn := newTestNet(t)
	client, server := tn.connect(tn.listen(80, 0))
	client.Close()
	tn.flush()
	server.Close()
	// Lose the final ACK so the server retransmits its FIN.
	tn.drop = func(src netip.Addr, hdr tcp.Header, payload []byte) bool {
		return src == clientAddr
	}
	tn.flush()
	tn.drop = nil
	if client.State() != tcp.StateTimeWait || server.State() != tcp.StateLastAck {
		t.Fatalf("client=%s server=%s", client.State(), server.State())
	}
	rto := server.Stats().RTO
	tn.clock.Advance(rto)
	tn.flush()
	if server.State() != tcp.StateClosed {
		t.Fatalf("server state after FIN retransmission: %s", server.State())
	}
	// The retransmitted FIN restarted the deadline.
	tn.clock.Advance(tn.cfg.TimeWait - rto/2)
	if client.State() != tcp.StateTimeWait {
		t.Fatalf("deadline not restarted: %s", client.State())
	}
	tn.clock.Advance(rto)
	if client.State() != tcp.StateClosed {
		t.Fatalf("client state: %s", client.State())
	}
}

// TestEngineLossRecovery loses one of eight segments sent with a congestion
// window of eight and checks the timeout collapses the window.
func TestEngineLossRecovery(t *testing.T) {
	tn := newTestNet(t)
	client, server := tn.connect(tn.listen(80, 0))
	tcp.SetCongestion(client, 8, 8)
	mss := client.Stats().MSS
	dataSegs := 0
	tn.drop = func(src netip.Addr, hdr tcp.Header, payload []byte) bool {
		if src != clientAddr || len(payload) == 0 {
			return false
		}
		dataSegs++
		return dataSegs == 3
	}

	payload := make([]byte, 8*mss)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := client.TryWrite(payload); err != nil {
		t.Fatal(err)
	}
	if dataSegs != 8 {
		t.Fatalf("sent %d segments, want a full window of 8", dataSegs)
	}
	tn.flush()
	if got := readAvailable(t, server); !bytes.Equal(got, payload[:2*mss]) {
		t.Fatalf("read %d bytes before gap", len(got))
	}
	cs := client.Stats()
	if cs.CongestionWindow != 8 || cs.Retransmits != 0 {
		t.Fatalf("before timeout: cwnd=%d retransmits=%d", cs.CongestionWindow, cs.Retransmits)
	}

	tn.clock.Advance(cs.RTO)
	cs = client.Stats()
	if cs.CongestionWindow != 1 || cs.SlowStartThreshold != 4 || cs.Retransmits != 1 {
		t.Fatalf("after timeout: cwnd=%d ssthresh=%d retransmits=%d",
			cs.CongestionWindow, cs.SlowStartThreshold, cs.Retransmits)
	}
	if dataSegs != 9 {
		t.Fatalf("retransmitted %d segments, want only the oldest", dataSegs-8)
	}
	tn.flush()
	if got := readAvailable(t, server); !bytes.Equal(got, payload[2*mss:]) {
		t.Fatalf("read %d bytes after retransmission", len(got))
	}
	// Acknowledgment of retransmitted data does not grow the window.
	cs = client.Stats()
	if cs.CongestionWindow != 1 || cs.SlowStartThreshold != 4 || client.BufferedUnsent() != 0 {
		t.Fatalf("after recovery: cwnd=%d ssthresh=%d", cs.CongestionWindow, cs.SlowStartThreshold)
	}

	// Slow start resumes with new data.
	if _, err := client.TryWrite(payload[:mss]); err != nil {
		t.Fatal(err)
	}
	tn.flush()
	tn.clock.Advance(tn.cfg.DelayedAck)
	tn.flush()
	if cwnd := client.Stats().CongestionWindow; cwnd != 2 {
		t.Errorf("cwnd=%d, want 2", cwnd)
	}
	if got := readAvailable(t, server); !bytes.Equal(got, payload[:mss]) {
		t.Errorf("read %d bytes", len(got))
	}
}

func TestEngineRetransmitBudget(t *testing.T) {
	tn := newTestNet(t)
	client, _ := tn.connect(tn.listen(80, 0))
	if _, err := client.TryWrite([]byte("never acknowledged")); err != nil {
		t.Fatal(err)
	}
	// Nothing is delivered while the clock runs.
	tn.clock.Advance(time.Hour)
	if client.State() != tcp.StateClosed || client.ErrKind() != tcp.KindConnectionTimedOut {
		t.Fatalf("state=%s err=%v", client.State(), client.Err())
	}
	if got := client.Stats().Retransmits; got != uint64(tn.cfg.HardRetries) {
		t.Errorf("retransmits=%d, want %d", got, tn.cfg.HardRetries)
	}
	if got := tn.lo.Queued(); got != tn.cfg.HardRetries+1 {
		t.Errorf("queued %d segments", got)
	}
	if _, err := client.TryWrite([]byte("x")); !errors.Is(err, tcp.ErrConnectionTimedOut) {
		t.Errorf("write after timeout: %v", err)
	}
}

func TestEngineTeardownTimeout(t *testing.T) {
	tn := newTestNet(t)
	client, _ := tn.connect(tn.listen(80, 0))
	tn.drop = func(src netip.Addr, hdr tcp.Header, payload []byte) bool { return src == clientAddr }
	if _, err := client.TryWrite([]byte("lost with the FIN")); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if client.State() != tcp.StateFinWait1 {
		t.Fatalf("state after close: %s", client.State())
	}
	tn.clock.Advance(time.Hour)
	// Unacknowledged data was lost: the close did not complete gracefully.
	if client.State() != tcp.StateClosed || client.ErrKind() != tcp.KindConnectionTimedOut {
		t.Fatalf("state=%s err=%v", client.State(), client.Err())
	}
	if !errors.Is(client.Err(), tcp.ErrConnectionTimedOut) {
		t.Errorf("err=%v", client.Err())
	}
	if got := client.Stats().Retransmits; got != uint64(tn.cfg.HardRetries) {
		t.Errorf("retransmits=%d, want %d", got, tn.cfg.HardRetries)
	}
	if timers := tcp.ArmedTimers(client); len(timers) != 0 {
		t.Errorf("timed out connection has armed timers: %v", timers)
	}
}

func TestEngineReset(t *testing.T) {
	tn := newTestNet(t)
	client, server := tn.connect(tn.listen(80, 0))

	readErr := make(chan error, 1)
	go func() {
		_, err := client.Read(make([]byte, 16))
		readErr <- err
	}()
	server.Abort()
	if server.ErrKind() != tcp.KindAborted {
		t.Errorf("server err: %v", server.Err())
	}
	tn.flush()
	select {
	case err := <-readErr:
		if !errors.Is(err, tcp.ErrConnectionReset) {
			t.Errorf("pending read: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("pending read not released by reset")
	}
	if client.State() != tcp.StateClosed || client.ErrKind() != tcp.KindConnectionReset {
		t.Errorf("client state=%s err=%v", client.State(), client.Err())
	}
	if _, err := client.TryWrite([]byte("x")); !errors.Is(err, tcp.ErrConnectionReset) {
		t.Errorf("write after reset: %v", err)
	}
	if timers := tcp.ArmedTimers(client); len(timers) != 0 {
		t.Errorf("reset connection has armed timers: %v", timers)
	}
}

func TestEngineConnectRefused(t *testing.T) {
	tn := newTestNet(t)
	client, err := tn.client.Connect(netip.AddrPortFrom(serverAddr, 81))
	if err != nil {
		t.Fatal(err)
	}
	tn.flush()
	if client.State() != tcp.StateClosed || client.ErrKind() != tcp.KindConnectionRefused {
		t.Fatalf("state=%s err=%v", client.State(), client.Err())
	}
	_, err = tn.client.Connect(netip.AddrPortFrom(netip.MustParseAddr("10.0.0.9"), 80))
	if !errors.Is(err, tcp.ErrConnectionRefused) {
		t.Errorf("connect to unknown host: %v", err)
	}
	_, err = tn.client.Connect(netip.AddrPortFrom(serverAddr, 0))
	if !errors.Is(err, tcp.ErrInvalidState) {
		t.Errorf("connect to port zero: %v", err)
	}
}

func TestListenerBacklog(t *testing.T) {
	tn := newTestNet(t)
	l := tn.listen(80, 1)
	first, err := tn.client.Connect(l.Addr())
	if err != nil {
		t.Fatal(err)
	}
	tn.flush()
	second, err := tn.client.Connect(l.Addr())
	if err != nil {
		t.Fatal(err)
	}
	tn.flush()
	if first.State() != tcp.StateEstablished || second.State() != tcp.StateSynSent {
		t.Fatalf("first=%s second=%s", first.State(), second.State())
	}
	if l.NumberOfReadyToAccept() != 1 || l.NumberOfHalfOpen() != 0 {
		t.Fatalf("ready=%d half-open=%d", l.NumberOfReadyToAccept(), l.NumberOfHalfOpen())
	}
	accepted, err := l.TryAccept()
	if err != nil || accepted.RemoteAddr() != first.LocalAddr() {
		t.Fatalf("accept: %v", err)
	}
	if _, err = l.TryAccept(); !errors.Is(err, tcp.ErrWouldBlock) {
		t.Fatalf("accept on empty queue: %v", err)
	}
	// The dropped SYN is retransmitted and now fits in the backlog.
	tn.clock.Advance(tn.cfg.InitialRTO)
	tn.flush()
	if second.State() != tcp.StateEstablished {
		t.Fatalf("second state: %s", second.State())
	}
	accepted, err = l.TryAccept()
	if err != nil || accepted.RemoteAddr() != second.LocalAddr() {
		t.Fatalf("accept retried connection: %v", err)
	}

	if err = l.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err = l.TryAccept(); !errors.Is(err, tcp.ErrInvalidState) {
		t.Errorf("accept on closed listener: %v", err)
	}
	if err = l.Close(); err == nil {
		t.Error("double close succeeded")
	}
	// Connections already accepted survive the listener.
	if accepted.State() != tcp.StateEstablished {
		t.Errorf("accepted connection state: %s", accepted.State())
	}
	third, err := tn.client.Connect(l.Addr())
	if err != nil {
		t.Fatal(err)
	}
	tn.flush()
	if third.ErrKind() != tcp.KindConnectionRefused {
		t.Errorf("connect to closed listener: %v", third.Err())
	}
}

func TestEngineKeepalive(t *testing.T) {
	tn := newTestNet(t)
	client, _ := tn.connect(tn.listen(80, 0))
	client.SetKeepalive(true)
	sent := client.Stats().SegmentsSent
	tn.clock.Advance(tn.cfg.KeepaliveIdle - time.Second)
	if client.Stats().SegmentsSent != sent {
		t.Fatal("keepalive probe sent before idle time")
	}
	// Probes are never answered since nothing is delivered.
	tn.clock.Advance(time.Second + time.Duration(tn.cfg.KeepaliveProbes)*tn.cfg.KeepaliveInterval)
	if client.State() != tcp.StateClosed || client.ErrKind() != tcp.KindConnectionTimedOut {
		t.Fatalf("state=%s err=%v", client.State(), client.Err())
	}
	if probes := client.Stats().SegmentsSent - sent; probes != uint64(tn.cfg.KeepaliveProbes) {
		t.Errorf("sent %d probes", probes)
	}
}

func TestEngineKeepaliveAnswered(t *testing.T) {
	tn := newTestNet(t)
	client, server := tn.connect(tn.listen(80, 0))
	client.SetKeepalive(true)
	for _i := 0; _i < 3; _i++ {
		tn.clock.Advance(tn.cfg.KeepaliveIdle)
		tn.flush()
	}
	if client.State() != tcp.StateEstablished || server.State() != tcp.StateEstablished {
		t.Fatalf("client=%s server=%s", client.State(), server.State())
	}
	if server.Stats().SegmentsReceived < 3 {
		t.Errorf("server received %d segments", server.Stats().SegmentsReceived)
	}
}

// TestEngineDialAccept exercises the blocking calls with the network pumped
// concurrently and timers driven by the system clock.
func TestEngineDialAccept(t *testing.T) {
	lo := xnet.NewLoopback(xnet.LoopbackConfig{})
	cfg := tcp.DefaultConfig()
	server := newEngine(t, lo.Host(serverAddr), cfg, nil)
	client := newEngine(t, lo.Host(clientAddr), cfg, nil)
	l, err := server.Listen(netip.AddrPortFrom(serverAddr, 8080), 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	go lo.Run(ctx)

	type result struct {
		data []byte
		err  error
	}
	received := make(chan result, 1)
	go func() {
		conn, err := l.Accept(ctx)
		if err != nil {
			received <- result{err: err}
			return
		}
		data, err := io.ReadAll(conn)
		received <- result{data: data, err: err}
	}()

	conn, err := client.Dial(ctx, l.Addr())
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("0123456789"), 1000)
	if _, err = conn.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err = conn.Close(); err != nil {
		t.Fatal(err)
	}
	res := <-received
	if res.err != nil {
		t.Fatal(res.err)
	}
	if !bytes.Equal(res.data, payload) {
		t.Errorf("received %d bytes, want %d", len(res.data), len(payload))
	}

	_, err = client.Dial(ctx, netip.AddrPortFrom(serverAddr, 8081))
	if !errors.Is(err, tcp.ErrConnectionRefused) {
		t.Errorf("dial closed port: %v", err)
	}
}

func TestConnReadDeadline(t *testing.T) {
	tn := newTestNet(t)
	client, _ := tn.connect(tn.listen(80, 0))
	client.SetReadDeadline(tn.clock.Now().Add(-time.Second))
	_, err := client.Read(make([]byte, 8))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("read past deadline: %v", err)
	}
}

func newCaptureEngine(t *testing.T) (*tcp.Engine, *ltesto.Capture, *ltesto.Clock) {
	t.Helper()
	capture := ltesto.NewCapture(clientAddr, 1500)
	clock := ltesto.NewClock(time.Unix(1_700_000_000, 0))
	engine, err := tcp.NewEngine(tcp.EngineConfig{
		Config:  tcp.DefaultConfig(),
		Network: capture,
		Clock:   clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	return engine, capture, clock
}

func deliver(t *testing.T, e *tcp.Engine, hdr tcp.Header, payload []byte) {
	t.Helper()
	hdr.DATALEN = tcp.Size(len(payload))
	b, err := tcp.AppendSegment(nil, hdr, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err = e.DeliverSegment(clientAddr, serverAddr, b); err != nil {
		t.Fatal(err)
	}
}

func TestEngineSynTimeout(t *testing.T) {
	e, capture, clock := newCaptureEngine(t)
	cfg := e.Config()
	conn, err := e.Connect(netip.AddrPortFrom(serverAddr, 80))
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	if conn.State() != tcp.StateClosed || conn.ErrKind() != tcp.KindConnectionTimedOut {
		t.Fatalf("state=%s err=%v", conn.State(), conn.Err())
	}
	if got := conn.Stats().Retransmits; got != uint64(cfg.SynRetries) {
		t.Errorf("retransmits=%d, want %d", got, cfg.SynRetries)
	}
	// Route re-validated on every retransmission past the soft threshold.
	if got, want := capture.Resolves(), 1+cfg.SynRetries-cfg.SoftRetries; got != want {
		t.Errorf("resolves=%d, want %d", got, want)
	}
	sent := capture.Drain()
	if len(sent) != cfg.SynRetries+1 {
		t.Fatalf("sent %d SYNs", len(sent))
	}
	for _, syn := range sent {
		switch {
		case syn.Flags != tcp.FlagSYN || syn.SEQ != sent[0].SEQ:
			t.Errorf("bad SYN: %s seq=%d", syn.Flags, syn.SEQ)
		case syn.MSS != 1460 || syn.TTL != cfg.TTL || syn.Remote != serverAddr:
			t.Errorf("SYN mss=%d ttl=%d remote=%s", syn.MSS, syn.TTL, syn.Remote)
		}
	}
}

func TestEngineSynRetransmitUnreachable(t *testing.T) {
	e, capture, clock := newCaptureEngine(t)
	conn, err := e.Connect(netip.AddrPortFrom(serverAddr, 80))
	if err != nil {
		t.Fatal(err)
	}
	if capture.Len() != 1 {
		t.Fatalf("sent %d segments on connect", capture.Len())
	}
	capture.SetUnreachable(true)
	clock.Advance(conn.Stats().RTO)
	if conn.State() != tcp.StateClosed || conn.ErrKind() != tcp.KindConnectionRefused {
		t.Fatalf("state=%s err=%v", conn.State(), conn.Err())
	}
	if timers := tcp.ArmedTimers(conn); len(timers) != 0 {
		t.Errorf("refused connection has armed timers: %v", timers)
	}
	if clock.AdvanceToNext() {
		t.Error("timer still pending after refusal")
	}
	if capture.Len() != 1 {
		t.Errorf("captured %d segments", capture.Len())
	}
}

func TestEngineCapturedExchange(t *testing.T) {
	e, capture, clock := newCaptureEngine(t)
	conn, err := e.Connect(netip.AddrPortFrom(serverAddr, 80))
	if err != nil {
		t.Fatal(err)
	}
	syn := capture.Drain()[0]
	const irs = 5000
	iss := syn.SEQ
	deliver(t, e, tcp.Header{
		SrcPort: syn.DstPort,
		DstPort: syn.SrcPort,
		MSS:     1000,
		Segment: tcp.Segment{SEQ: irs, ACK: tcp.Add(iss, 1), WND: 4096, Flags: tcp.FlagSYN | tcp.FlagACK},
	}, nil)
	if conn.State() != tcp.StateEstablished || conn.Stats().MSS != 1000 {
		t.Fatalf("state=%s mss=%d", conn.State(), conn.Stats().MSS)
	}
	sent := capture.Drain()
	if len(sent) != 1 || sent[0].Flags != tcp.FlagACK || sent[0].SEQ != tcp.Add(iss, 1) || sent[0].ACK != irs+1 {
		t.Fatalf("handshake ACK: %+v", sent)
	}

	dataHdr := tcp.Header{SrcPort: syn.DstPort, DstPort: syn.SrcPort, Segment: tcp.Segment{
		SEQ: irs + 1, ACK: tcp.Add(iss, 1), WND: 4096, Flags: tcp.FlagPSH | tcp.FlagACK,
	}}
	deliver(t, e, dataHdr, []byte("hi"))
	if capture.Len() != 0 {
		t.Fatal("small segment acknowledged immediately")
	}
	clock.Advance(e.Config().DelayedAck)
	sent = capture.Drain()
	if len(sent) != 1 || sent[0].ACK != irs+3 {
		t.Fatalf("delayed ACK: %+v", sent)
	}
	buf := make([]byte, 8)
	n, err := conn.TryRead(buf)
	if err != nil || string(buf[:n]) != "hi" {
		t.Fatalf("read %q: %v", buf[:n], err)
	}

	// Out of order data is acknowledged at once with the expected sequence number.
	dataHdr.SEQ = irs + 10
	deliver(t, e, dataHdr, []byte("zz"))
	sent = capture.Drain()
	if len(sent) != 1 || sent[0].ACK != irs+3 {
		t.Fatalf("duplicate ACK: %+v", sent)
	}
	if _, err = conn.TryRead(buf); !errors.Is(err, tcp.ErrWouldBlock) {
		t.Fatalf("out of order data readable: %v", err)
	}

	deliver(t, e, tcp.Header{SrcPort: syn.DstPort, DstPort: syn.SrcPort, Segment: tcp.Segment{
		SEQ: irs + 3, Flags: tcp.FlagRST,
	}}, nil)
	if conn.ErrKind() != tcp.KindConnectionReset {
		t.Errorf("after reset: %v", conn.Err())
	}
	if capture.Len() != 0 {
		t.Error("reset answered")
	}
}

func TestEngineZeroWindowProbe(t *testing.T) {
	e, capture, clock := newCaptureEngine(t)
	conn, err := e.Connect(netip.AddrPortFrom(serverAddr, 80))
	if err != nil {
		t.Fatal(err)
	}
	syn := capture.Drain()[0]
	const irs = 9000
	iss := syn.SEQ
	hdr := tcp.Header{SrcPort: syn.DstPort, DstPort: syn.SrcPort, Segment: tcp.Segment{
		SEQ: irs, ACK: tcp.Add(iss, 1), WND: 0, Flags: tcp.FlagSYN | tcp.FlagACK,
	}}
	deliver(t, e, hdr, nil)
	capture.Drain()
	if _, err = conn.TryWrite([]byte("blocked")); err != nil {
		t.Fatal(err)
	}
	if capture.Len() != 0 {
		t.Fatal("data sent into zero window")
	}
	if timers := tcp.ArmedTimers(conn); !slices.Contains(timers, "probe") {
		t.Fatalf("armed timers %v", timers)
	}
	rto := conn.Stats().RTO
	clock.Advance(rto)
	sent := capture.Drain()
	if len(sent) != 1 || sent[0].Flags != tcp.FlagACK || len(sent[0].Payload) != 0 || sent[0].SEQ != iss {
		t.Fatalf("first probe: %+v", sent)
	}
	// Probe interval backs off.
	clock.Advance(rto)
	if capture.Len() != 0 {
		t.Fatal("probe interval did not back off")
	}
	clock.Advance(rto)
	if capture.Len() != 1 {
		t.Fatalf("second probe missing, got %d segments", capture.Len())
	}
	capture.Drain()

	hdr.SEQ = irs + 1
	hdr.WND = 4096
	hdr.Flags = tcp.FlagACK
	deliver(t, e, hdr, nil)
	sent = capture.Drain()
	if len(sent) != 1 || string(sent[0].Payload) != "blocked" || sent[0].SEQ != tcp.Add(iss, 1) {
		t.Fatalf("data after window opened: %+v", sent)
	}
	if timers := tcp.ArmedTimers(conn); slices.Contains(timers, "probe") || !slices.Contains(timers, "retransmit") {
		t.Errorf("armed timers %v", timers)
	}
}

func TestEngineWindowUpdateAfterRead(t *testing.T) {
	e, capture, clock := newCaptureEngine(t)
	conn, err := e.Connect(netip.AddrPortFrom(serverAddr, 80))
	if err != nil {
		t.Fatal(err)
	}
	syn := capture.Drain()[0]
	const irs = 20000
	iss := syn.SEQ
	hdr := tcp.Header{SrcPort: syn.DstPort, DstPort: syn.SrcPort, Segment: tcp.Segment{
		SEQ: irs, ACK: tcp.Add(iss, 1), WND: 4096, Flags: tcp.FlagSYN | tcp.FlagACK,
	}}
	deliver(t, e, hdr, nil)
	sent := capture.Drain()
	if len(sent) != 1 || sent[0].WND != 0xffff {
		t.Fatalf("handshake ACK: %+v", sent)
	}
	// Fill the advertised window.
	hdr.Flags = tcp.FlagACK | tcp.FlagPSH
	chunk := bytes.Repeat([]byte{'x'}, 1024)
	for off := 0; off < 0xffff; off += len(chunk) {
		hdr.SEQ = tcp.Add(irs+1, tcp.Size(off))
		deliver(t, e, hdr, chunk[:min(len(chunk), 0xffff-off)])
	}
	clock.Advance(e.Config().DelayedAck)
	sent = capture.Drain()
	last := sent[len(sent)-1]
	if last.ACK != tcp.Add(irs+1, 0xffff) || last.WND != 0 {
		t.Fatalf("ACK of full buffer: ack=%d wnd=%d", last.ACK, last.WND)
	}
	// A small read does not move the window.
	buf := make([]byte, 4096)
	if n, err := conn.TryRead(buf[:100]); n != 100 || err != nil {
		t.Fatalf("read %d: %v", n, err)
	}
	if capture.Len() != 0 {
		t.Fatalf("window update for small read: %+v", capture.Drain())
	}
	// Writing into the peer's window sends data that carries the current window.
	if _, err = conn.TryWrite([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	sent = capture.Drain()
	if len(sent) != 1 || string(sent[0].Payload) != "ping" || sent[0].WND != 0 {
		t.Fatalf("data segment: %+v", sent)
	}
	if n, err := conn.TryRead(buf); n != len(buf) || err != nil {
		t.Fatalf("read %d: %v", n, err)
	}
	sent = capture.Drain()
	if len(sent) != 1 || sent[0].Flags != tcp.FlagACK || sent[0].WND != 4096+100+1 {
		t.Fatalf("window update: %+v", sent)
	}
	// Once sent, the update is not repeated.
	clock.Advance(e.Config().DelayedAck)
	if capture.Len() != 0 {
		t.Errorf("window update repeated: %+v", capture.Drain())
	}
}

// TestEngineCongestionBound feeds random acknowledgments, duplicate
// acknowledgments and timeouts to a sender with a full send queue. New data
// is only ever sent while fewer than cwnd segments are in flight and each
// timeout retransmits a single segment.
func TestEngineCongestionBound(t *testing.T) {
	for seed := int64(1); seed <= 4; seed++ {
		e, capture, clock := newCaptureEngine(t)
		rng := rand.New(rand.NewSource(seed))
		conn, err := e.Connect(netip.AddrPortFrom(serverAddr, 80))
		if err != nil {
			t.Fatal(err)
		}
		syn := capture.Drain()[0]
		const irs = 7000
		hdr := tcp.Header{SrcPort: syn.DstPort, DstPort: syn.SrcPort, MSS: 1000, Segment: tcp.Segment{
			SEQ: irs, ACK: tcp.Add(syn.SEQ, 1), WND: 0xffff, Flags: tcp.FlagSYN | tcp.FlagACK,
		}}
		deliver(t, e, hdr, nil)
		hdr.MSS = 0
		hdr.SEQ = irs + 1
		hdr.Flags = tcp.FlagACK
		capture.Drain()

		una := tcp.Add(syn.SEQ, 1)
		sndMax := una
		chunk := make([]byte, 8*1024)
		for i := 0; i < 500 && conn.State() == tcp.StateEstablished; i++ {
			var timeout bool
			switch action := rng.Intn(6); {
			case action < 2:
				conn.TryWrite(chunk[:1+rng.Intn(len(chunk))])
			case action < 4 && una != sndMax:
				una = tcp.Add(una, tcp.Size(1+rng.Intn(int(tcp.Sizeof(una, sndMax)))))
				fallthrough
			case action < 5:
				// Duplicate acknowledgment unless una advanced.
				hdr.ACK = una
				deliver(t, e, hdr, nil)
			default:
				timeout = clock.AdvanceToNext()
			}
			var newSegs, retransmits int
			for _, seg := range capture.Drain() {
				if len(seg.Payload) == 0 {
					continue
				}
				if seg.SEQ.LessThan(sndMax) {
					retransmits++
					continue
				}
				newSegs++
				sndMax = tcp.Add(seg.SEQ, tcp.Size(len(seg.Payload)))
			}
			inflight, cwnd := tcp.Congestion(conn)
			if newSegs > 0 && inflight > int(cwnd) {
				t.Fatalf("seed %d step %d: %d new segments sent leaving %d in flight with cwnd=%d", seed, i, newSegs, inflight, cwnd)
			}
			if retransmits > 1 || (retransmits == 1 && !timeout) {
				t.Fatalf("seed %d step %d: %d retransmissions (timeout=%v)", seed, i, retransmits, timeout)
			}
		}
		if conn.State() != tcp.StateEstablished {
			t.Fatalf("seed %d: state=%s err=%v", seed, conn.State(), conn.Err())
		}
		if sndMax == tcp.Add(syn.SEQ, 1) {
			t.Errorf("seed %d: no data sent", seed)
		}
	}
}
