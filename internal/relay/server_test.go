package relay

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posit-dev/positron-sub005/internal/diag"
	"github.com/posit-dev/positron-sub005/internal/framing"
	"github.com/posit-dev/positron-sub005/pkg/events"
	"github.com/posit-dev/positron-sub005/pkg/ports"
)

// fakeLookup is a minimal run registry for router tests.
type fakeLookup struct {
	mu    sync.Mutex
	sinks map[string]Sink
	lost  map[string]error
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		sinks: make(map[string]Sink),
		lost:  make(map[string]error),
	}
}

func (f *fakeLookup) register(id string, sink Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[id] = sink
}

func (f *fakeLookup) Lookup(id string) (Sink, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sink, ok := f.sinks[id]
	return sink, ok
}

func (f *fakeLookup) ConnectionLost(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost[id] = err
}

func (f *fakeLookup) lostFor(id string) (error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err, ok := f.lost[id]
	return err, ok
}

// recorder collects envelopes behind a lock for assertions.
type recorder struct {
	mu        sync.Mutex
	envelopes []Envelope
}

func (r *recorder) add(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
}

func (r *recorder) all() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.envelopes))
	copy(out, r.envelopes)
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envelopes)
}

func newTestServer(t *testing.T, policy framing.Policy) (*Server, *fakeLookup, *diag.Store) {
	t.Helper()
	lookup := newFakeLookup()
	diags := diag.NewStore(100)
	server, err := New(Config{Policy: policy}, lookup, events.NewBus(), diags)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	return server, lookup, diags
}

func dialRelay(t *testing.T, server *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", server.Addr())
	require.NoError(t, err)
	return conn
}

func lengthPrefixed(payload string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(payload), payload)
}

func TestNewRequiresLookup(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	_, err := New(Config{Policy: "chunked"}, newFakeLookup(), nil, nil)
	assert.Error(t, err)
}

func TestPortIsBound(t *testing.T) {
	server, _, _ := newTestServer(t, framing.PolicyLines)
	assert.Greater(t, server.Port(), 0)

	conn := dialRelay(t, server)
	conn.Close()
}

// Single chunk containing one complete length-prefixed frame yields
// exactly one data event with the payload unmodified.
func TestSingleLengthPrefixedFrame(t *testing.T) {
	server, lookup, _ := newTestServer(t, framing.PolicyContentLength)
	lookup.register("u1", nil)

	rec := &recorder{}
	server.OnDataReceived(rec.add)

	payload := `{"uuid":"u1","result":"result-A"}`
	conn := dialRelay(t, server)
	_, err := conn.Write([]byte(lengthPrefixed(payload)))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	got := rec.all()[0]
	assert.Equal(t, "u1", got.RunID)
	assert.Equal(t, KindData, got.Kind)
	assert.Equal(t, payload, string(got.Raw))

	conn.Close()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "no extra events after close")
}

// One frame split across three chunks produces exactly one event,
// only after the final chunk.
func TestFrameSplitAcrossChunks(t *testing.T) {
	server, lookup, _ := newTestServer(t, framing.PolicyContentLength)
	lookup.register("u1", nil)

	rec := &recorder{}
	server.OnDataReceived(rec.add)

	payload := `{"uuid":"u1","status":"success"}`
	wire := lengthPrefixed(payload)

	conn := dialRelay(t, server)
	defer conn.Close()

	for _, part := range []string{wire[:4], wire[4:8]} {
		_, err := conn.Write([]byte(part))
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, rec.count(), "partial frame must not be emitted")
	}

	_, err := conn.Write([]byte(wire[8:]))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, payload, string(rec.all()[0].Raw))
}

// One chunk containing two complete newline-delimited frames yields
// two events, in arrival order.
func TestTwoFramesOneChunk(t *testing.T) {
	server, lookup, _ := newTestServer(t, framing.PolicyLines)
	lookup.register("u1", nil)

	rec := &recorder{}
	server.OnDataReceived(rec.add)

	conn := dialRelay(t, server)
	defer conn.Close()

	_, err := conn.Write([]byte("{\"uuid\":\"u1\",\"seq\":1}\n{\"uuid\":\"u1\",\"seq\":2}\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	got := rec.all()
	assert.Equal(t, `{"uuid":"u1","seq":1}`, string(got[0].Raw))
	assert.Equal(t, `{"uuid":"u1","seq":2}`, string(got[1].Raw))
}

// A valid frame bearing an unregistered identifier triggers zero
// listener callbacks and one routing diagnostic.
func TestUnknownRunIdentifierDropped(t *testing.T) {
	server, lookup, diags := newTestServer(t, framing.PolicyLines)
	lookup.register("u-known", nil)

	rec := &recorder{}
	server.OnDataReceived(rec.add)

	conn := dialRelay(t, server)
	defer conn.Close()

	_, err := conn.Write([]byte("{\"uuid\":\"u-unknown\"}\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(diags.ByKind(diag.KindRouting)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, "u-unknown", diags.ByKind(diag.KindRouting)[0].RunID)
}

// Malformed JSON is logged and dropped; the connection keeps
// processing subsequent valid frames.
func TestMalformedFrameRecoverable(t *testing.T) {
	server, lookup, diags := newTestServer(t, framing.PolicyLines)
	lookup.register("u1", nil)

	rec := &recorder{}
	server.OnDataReceived(rec.add)

	conn := dialRelay(t, server)
	defer conn.Close()

	_, err := conn.Write([]byte("not json at all\n{\"uuid\":\"u1\"}\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "u1", rec.all()[0].RunID)
	assert.Len(t, diags.ByKind(diag.KindRouting), 1)
}

// A frame missing its identifier field never reaches a listener.
func TestMissingIdentifierDropped(t *testing.T) {
	server, _, diags := newTestServer(t, framing.PolicyLines)

	rec := &recorder{}
	server.OnDataReceived(rec.add)

	conn := dialRelay(t, server)
	defer conn.Close()

	_, err := conn.Write([]byte("{\"status\":\"success\"}\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(diags.ByKind(diag.KindRouting)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

// An unterminated fragment at connection close produces zero events
// and one framing diagnostic; the relay keeps serving.
func TestUnterminatedFragmentAtClose(t *testing.T) {
	server, lookup, diags := newTestServer(t, framing.PolicyLines)
	lookup.register("u1", nil)

	rec := &recorder{}
	server.OnDataReceived(rec.add)

	conn := dialRelay(t, server)
	_, err := conn.Write([]byte(`[test`))
	require.NoError(t, err)
	conn.Close()

	require.Eventually(t, func() bool {
		return len(diags.ByKind(diag.KindFraming)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.count())

	// Relay still accepts new connections afterwards.
	conn2 := dialRelay(t, server)
	defer conn2.Close()
	_, err = conn2.Write([]byte("{\"uuid\":\"u1\"}\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

// Frames within one connection arrive at listeners in arrival order.
func TestOrderPreservation(t *testing.T) {
	server, lookup, _ := newTestServer(t, framing.PolicyLines)
	lookup.register("u1", nil)

	rec := &recorder{}
	server.OnDataReceived(rec.add)

	conn := dialRelay(t, server)
	defer conn.Close()

	const total = 50
	for i := 0; i < total; i++ {
		_, err := conn.Write([]byte(fmt.Sprintf("{\"uuid\":\"u1\",\"seq\":%d}\n", i)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return rec.count() == total }, 2*time.Second, 5*time.Millisecond)
	for i, env := range rec.all() {
		assert.Contains(t, string(env.Raw), fmt.Sprintf("\"seq\":%d", i))
	}
}

// Per-run sinks receive only their own run's envelopes.
func TestPerRunSinkDelivery(t *testing.T) {
	server, lookup, _ := newTestServer(t, framing.PolicyLines)

	rec1 := &recorder{}
	rec2 := &recorder{}
	lookup.register("u1", rec1.add)
	lookup.register("u2", rec2.add)

	conn := dialRelay(t, server)
	defer conn.Close()

	_, err := conn.Write([]byte("{\"uuid\":\"u1\"}\n{\"uuid\":\"u2\"}\n{\"uuid\":\"u1\"}\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rec1.count() == 2 && rec2.count() == 1
	}, time.Second, 5*time.Millisecond)
}

// OnError fires only for error-tagged envelopes; OnDataReceived sees
// everything, keeping one uniform channel.
func TestErrorListenerSelectivity(t *testing.T) {
	server, lookup, _ := newTestServer(t, framing.PolicyLines)
	lookup.register("u1", nil)

	data := &recorder{}
	errs := &recorder{}
	server.OnDataReceived(data.add)
	server.OnError(errs.add)

	conn := dialRelay(t, server)
	defer conn.Close()

	_, err := conn.Write([]byte("{\"uuid\":\"u1\",\"status\":\"success\"}\n{\"uuid\":\"u1\",\"status\":\"error\",\"errors\":[\"boom\"]}\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return data.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, errs.count())
	assert.Equal(t, KindError, errs.all()[0].Kind)
	assert.Equal(t, []string{"boom"}, errs.all()[0].Errors)
}

func TestInjectRoutesSyntheticEnvelope(t *testing.T) {
	server, lookup, _ := newTestServer(t, framing.PolicyLines)

	sunk := &recorder{}
	lookup.register("u1", sunk.add)

	data := &recorder{}
	errs := &recorder{}
	server.OnDataReceived(data.add)
	server.OnError(errs.add)

	server.Inject(ErrorEnvelope("u1", "failed to start python: executable not found"))

	require.Equal(t, 1, data.count())
	require.Equal(t, 1, errs.count())
	require.Equal(t, 1, sunk.count())
	assert.Equal(t, "error", data.all()[0].Status)
	assert.NotEmpty(t, data.all()[0].Errors)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	server, lookup, _ := newTestServer(t, framing.PolicyLines)
	lookup.register("u1", nil)

	rec := &recorder{}
	sub := server.OnDataReceived(rec.add)

	server.Inject(ErrorEnvelope("u1", "x"))
	require.Equal(t, 1, rec.count())

	sub.Unsubscribe()
	server.Inject(ErrorEnvelope("u1", "y"))
	assert.Equal(t, 1, rec.count())
}

// Each connection has its own framing buffer; a partial frame on one
// never blocks or corrupts frames on another.
func TestConnectionBufferIsolation(t *testing.T) {
	server, lookup, _ := newTestServer(t, framing.PolicyLines)
	lookup.register("u1", nil)
	lookup.register("u2", nil)

	rec := &recorder{}
	server.OnDataReceived(rec.add)

	conn1 := dialRelay(t, server)
	defer conn1.Close()
	conn2 := dialRelay(t, server)
	defer conn2.Close()

	// conn1 sends half a frame, conn2 sends a complete one.
	_, err := conn1.Write([]byte(`{"uuid":"u1","par`))
	require.NoError(t, err)
	_, err = conn2.Write([]byte("{\"uuid\":\"u2\"}\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "u2", rec.all()[0].RunID)

	// conn1 completes its frame.
	_, err = conn1.Write([]byte("tial\":true}\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "u1", rec.all()[1].RunID)
}

func TestDataReceivedBusEvents(t *testing.T) {
	lookup := newFakeLookup()
	lookup.register("u1", nil)
	bus := events.NewBus()

	var mu sync.Mutex
	var received []events.Event
	bus.Subscribe(events.DataReceived, func(e events.Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})

	server, err := New(Config{Policy: framing.PolicyLines}, lookup, bus, nil)
	require.NoError(t, err)
	defer server.Close()

	conn := dialRelay(t, server)
	defer conn.Close()
	_, err = conn.Write([]byte("{\"uuid\":\"u1\",\"status\":\"success\"}\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "u1", received[0].RunID)
	assert.Equal(t, `{"uuid":"u1","status":"success"}`, received[0].Data["payload"])
}

// An abortive connection teardown is a transport failure: every run
// that sent frames on that connection is reported lost.
func TestTransportFailureReportsConnectionLost(t *testing.T) {
	server, lookup, diags := newTestServer(t, framing.PolicyLines)
	lookup.register("u1", nil)

	rec := &recorder{}
	server.OnDataReceived(rec.add)

	conn := dialRelay(t, server)
	_, err := conn.Write([]byte("{\"uuid\":\"u1\"}\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	// Reset instead of FIN so the relay's read fails mid-stream.
	tcp := conn.(*net.TCPConn)
	require.NoError(t, tcp.SetLinger(0))
	require.NoError(t, tcp.Close())

	require.Eventually(t, func() bool {
		_, ok := lookup.lostFor("u1")
		return ok
	}, time.Second, 5*time.Millisecond)
	lostErr, _ := lookup.lostFor("u1")
	assert.Error(t, lostErr)
	assert.NotEmpty(t, diags.ByKind(diag.KindTransport))
}

// flakyListener fails its first accepts to exercise transient-error
// recovery in the accept loop.
type flakyListener struct {
	net.Listener
	mu       sync.Mutex
	failures int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, fmt.Errorf("accept tcp: too many open files")
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

// A transient accept failure must not take the relay offline; later
// connections still get served.
func TestAcceptRetriesTransientFailure(t *testing.T) {
	inner, port, err := ports.ListenEphemeral()
	require.NoError(t, err)

	lookup := newFakeLookup()
	lookup.register("u1", nil)
	diags := diag.NewStore(100)

	s := &Server{
		listener:      &flakyListener{Listener: inner, failures: 1},
		port:          port,
		policy:        framing.PolicyLines,
		readSize:      4096,
		lookup:        lookup,
		bus:           events.NewBus(),
		diags:         diags,
		dataListeners: make(map[uint64]func(Envelope)),
		errListeners:  make(map[uint64]func(Envelope)),
		conns:         make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(func() { s.Close() })

	rec := &recorder{}
	s.OnDataReceived(rec.add)

	conn := dialRelay(t, s)
	defer conn.Close()
	_, err = conn.Write([]byte("{\"uuid\":\"u1\"}\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, diags.ByKind(diag.KindTransport), 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	server, _, _ := newTestServer(t, framing.PolicyLines)
	require.NoError(t, server.Close())
	require.NoError(t, server.Close())

	_, err := net.DialTimeout("tcp", server.Addr(), 100*time.Millisecond)
	assert.Error(t, err, "listener must be closed after dispose")
}
