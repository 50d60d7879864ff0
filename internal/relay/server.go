package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/posit-dev/positron-sub005/internal/diag"
	"github.com/posit-dev/positron-sub005/internal/framing"
	"github.com/posit-dev/positron-sub005/pkg/events"
	"github.com/posit-dev/positron-sub005/pkg/ports"
)

// Sink receives envelopes for one run. A nil sink is valid: global
// listeners still fire, the run just has no private output channel.
type Sink func(env Envelope)

// RunLookup resolves run identifiers to their sinks. The router holds
// only this lookup relation; it never owns runs.
type RunLookup interface {
	Lookup(runID string) (Sink, bool)
	// ConnectionLost reports a transport failure on a connection that
	// carried frames for the given run.
	ConnectionLost(runID string, err error)
}

// Config configures a relay server. The framing policy is fixed per
// relay instance; producers that need a different policy get their
// own relay.
type Config struct {
	Policy framing.Policy
	// PortMin/PortMax constrain the listening port. Both zero means
	// an OS-assigned ephemeral port.
	PortMin int
	PortMax int
	// ReadBufferSize is the per-connection read chunk size. Zero
	// means 4096.
	ReadBufferSize int
}

// Subscription undoes a listener registration.
type Subscription struct {
	cancel func()
}

func (s Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Server accepts framed payloads from spawned subprocesses over a
// local TCP port and routes each complete frame to the run that
// produced it. One Server is created per relay lifetime and disposed
// explicitly with Close; there are no process-wide singletons.
type Server struct {
	listener net.Listener
	port     int
	policy   framing.Policy
	readSize int

	lookup RunLookup
	bus    *events.Bus
	diags  *diag.Store

	mu            sync.RWMutex
	dataListeners map[uint64]func(Envelope)
	errListeners  map[uint64]func(Envelope)
	nextListener  uint64
	conns         map[net.Conn]struct{}
	closed        bool

	wg sync.WaitGroup
}

// New binds the relay's listening port and starts accepting
// connections. The caller reads the port back with Port and injects
// it into subprocess environments before spawning.
func New(cfg Config, lookup RunLookup, bus *events.Bus, diags *diag.Store) (*Server, error) {
	if lookup == nil {
		return nil, errors.New("relay requires a run lookup")
	}
	if cfg.Policy == "" {
		cfg.Policy = framing.PolicyLines
	}
	if _, err := framing.New(cfg.Policy); err != nil {
		return nil, err
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if bus == nil {
		bus = events.NewBus()
	}
	if diags == nil {
		diags = diag.NewStore(0)
	}

	var listener net.Listener
	var port int
	var err error
	if cfg.PortMin == 0 && cfg.PortMax == 0 {
		listener, port, err = ports.ListenEphemeral()
	} else {
		listener, port, err = ports.ListenInRange(cfg.PortMin, cfg.PortMax)
	}
	if err != nil {
		return nil, fmt.Errorf("relay failed to bind: %w", err)
	}

	s := &Server{
		listener:      listener,
		port:          port,
		policy:        cfg.Policy,
		readSize:      cfg.ReadBufferSize,
		lookup:        lookup,
		bus:           bus,
		diags:         diags,
		dataListeners: make(map[uint64]func(Envelope)),
		errListeners:  make(map[uint64]func(Envelope)),
		conns:         make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	debugLog("listening on port %d (policy %s)", port, cfg.Policy)
	return s, nil
}

// Port returns the bound listening port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the full listening address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Diagnostics returns the store collecting dropped-frame and
// transport diagnostics.
func (s *Server) Diagnostics() *diag.Store {
	return s.diags
}

// OnDataReceived registers a listener for every successfully routed
// envelope, error envelopes included. Listeners fire synchronously on
// the connection's read goroutine, so frames from one connection
// arrive in order.
func (s *Server) OnDataReceived(fn func(Envelope)) Subscription {
	return s.addListener(s.dataListeners, fn)
}

// OnError registers a listener fired only for error-tagged envelopes.
func (s *Server) OnError(fn func(Envelope)) Subscription {
	return s.addListener(s.errListeners, fn)
}

func (s *Server) addListener(listeners map[uint64]func(Envelope), fn func(Envelope)) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextListener++
	id := s.nextListener
	listeners[id] = fn

	return Subscription{cancel: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(listeners, id)
	}}
}

// Inject routes a synthetic envelope through the normal channel, as
// if it had arrived over a connection. Used for spawn failures so
// callers see one uniform signal path.
func (s *Server) Inject(env Envelope) {
	s.deliver(env, "internal")
}

// Close shuts the relay down: the listening socket closes, open
// connections are torn down, and their trailing partial data is
// discarded. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()

	debugLog("relay on port %d closed", s.port)
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient accept failures (EMFILE and friends) must not
			// take the relay offline; pause and keep accepting.
			s.diags.Recordf(diag.KindTransport, "", "", "accept failed: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// serveConn owns one connection: its framing buffer, its read loop,
// and the set of runs seen on it. Buffer state is never shared across
// connections.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	splitter, err := framing.New(s.policy)
	if err != nil {
		s.diags.Recordf(diag.KindTransport, "", remote, "framing setup failed: %v", err)
		return
	}

	seenRuns := make(map[string]bool)
	buf := make([]byte, s.readSize)
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			frames, frameErr := splitter.Feed(buf[:n])
			if frameErr != nil {
				s.diags.Recordf(diag.KindFraming, "", remote, "framing error: %v", frameErr)
				s.bus.Publish(events.Event{
					Type: events.FrameDropped,
					Data: map[string]interface{}{"remote": remote, "reason": frameErr.Error()},
				})
			}
			for _, frame := range frames {
				s.route(frame, remote, seenRuns)
			}
		}
		if readErr != nil {
			if rest := splitter.Discard(); len(rest) > 0 {
				s.diags.Recordf(diag.KindFraming, "", remote,
					"discarding %d unterminated bytes at connection close", len(rest))
				s.bus.Publish(events.Event{
					Type: events.FrameDropped,
					Data: map[string]interface{}{"remote": remote, "reason": "unterminated trailing data", "bytes": len(rest)},
				})
			}
			if !errors.Is(readErr, io.EOF) && !s.isClosed() {
				s.diags.Recordf(diag.KindTransport, "", remote, "read failed: %v", readErr)
				for runID := range seenRuns {
					s.lookup.ConnectionLost(runID, readErr)
				}
			}
			return
		}
	}
}

// route parses one complete frame and dispatches it. Malformed or
// unmatched frames are logged and dropped; the connection stays open.
func (s *Server) route(frame []byte, remote string, seenRuns map[string]bool) {
	env, err := ParseEnvelope(frame)
	if err != nil {
		s.diags.Recordf(diag.KindRouting, "", remote, "dropping frame: %v", err)
		s.bus.Publish(events.Event{
			Type: events.FrameDropped,
			Data: map[string]interface{}{"remote": remote, "reason": err.Error()},
		})
		return
	}
	if env.RunID == "" {
		s.diags.Record(diag.KindRouting, "", remote, "dropping frame with no run identifier")
		s.bus.Publish(events.Event{
			Type: events.FrameDropped,
			Data: map[string]interface{}{"remote": remote, "reason": "missing run identifier"},
		})
		return
	}
	if seenRuns != nil {
		seenRuns[env.RunID] = true
	}
	s.deliver(env, remote)
}

func (s *Server) deliver(env Envelope, remote string) {
	sink, ok := s.lookup.Lookup(env.RunID)
	if !ok {
		s.diags.Recordf(diag.KindRouting, env.RunID, remote, "no registered run for identifier %s", env.RunID)
		s.bus.Publish(events.Event{
			Type:  events.FrameDropped,
			RunID: env.RunID,
			Data:  map[string]interface{}{"remote": remote, "reason": "unknown run identifier"},
		})
		return
	}

	if sink != nil {
		sink(env)
	}

	s.mu.RLock()
	dataListeners := make([]func(Envelope), 0, len(s.dataListeners))
	for _, fn := range s.dataListeners {
		dataListeners = append(dataListeners, fn)
	}
	var errListeners []func(Envelope)
	if env.Kind == KindError {
		errListeners = make([]func(Envelope), 0, len(s.errListeners))
		for _, fn := range s.errListeners {
			errListeners = append(errListeners, fn)
		}
	}
	s.mu.RUnlock()

	for _, fn := range dataListeners {
		fn(env)
	}
	for _, fn := range errListeners {
		fn(env)
	}

	eventType := events.DataReceived
	if env.Kind == KindError {
		eventType = events.RunError
	}
	s.bus.Publish(events.Event{
		Type:  eventType,
		RunID: env.RunID,
		Data: map[string]interface{}{
			"payload": string(env.Raw),
			"status":  env.Status,
		},
	})
}
