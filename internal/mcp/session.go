package mcp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransportKind identifies which transport owns a session.
type TransportKind string

const (
	TransportKindStdio TransportKind = "stdio"
	TransportKindHTTP  TransportKind = "http"
)

// outboundBuffer bounds the per-session queue of frames awaiting
// delivery over the SSE stream.
const outboundBuffer = 64

// Session is one client conversation with the server.
//
// A session carries the negotiated protocol state and, for HTTP
// sessions, the outbound frame queue the SSE stream drains. The
// dispatch mutex serializes request handling within the session;
// different sessions proceed concurrently.
type Session struct {
	ID        string
	Transport TransportKind
	CreatedAt time.Time

	// dispatchMu serializes Handle calls for this session.
	dispatchMu sync.Mutex

	// mu guards the mutable fields below.
	mu              sync.Mutex
	initialized     bool
	protocolVersion string
	clientInfo      ClientInfo
	lastActive      time.Time
	streamOpen      bool
	closed          bool

	// outbound carries response frames to the SSE writer. Nil for
	// stdio sessions, which write responses inline.
	outbound chan []byte
}

// Initialized reports whether the initialize handshake completed.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// MarkInitialized records the negotiated handshake outcome.
func (s *Session) MarkInitialized(protocolVersion string, client ClientInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	s.protocolVersion = protocolVersion
	s.clientInfo = client
}

// ProtocolVersion returns the negotiated protocol version, empty before
// initialize.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ClientInfo returns the client identity from initialize.
func (s *Session) ClientInfo() ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// Touch records activity, deferring idle eviction.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the time of the most recent activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// AttachStream marks the session as having an open outbound stream.
// A session with an attached stream is exempt from idle eviction; the
// stream's teardown removes the session when the client disconnects.
func (s *Session) AttachStream() {
	s.mu.Lock()
	s.streamOpen = true
	s.mu.Unlock()
}

// DetachStream clears the open-stream mark.
func (s *Session) DetachStream() {
	s.mu.Lock()
	s.streamOpen = false
	s.mu.Unlock()
}

// StreamOpen reports whether an outbound stream is attached.
func (s *Session) StreamOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamOpen
}

// Closed reports whether the session has been evicted or shut down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Outbound returns the channel the SSE stream drains. Nil for stdio
// sessions.
func (s *Session) Outbound() <-chan []byte {
	return s.outbound
}

// Send queues a frame for delivery over the SSE stream.
//
// Returns ErrSessionClosed once the session is closed. A full queue
// also fails the send; a client that stopped draining its stream is
// indistinguishable from a dead one.
func (s *Session) Send(frame []byte) error {
	// Holding mu across the send keeps close from racing it; the
	// channel is never closed while a sender is inside the select.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.outbound == nil {
		return ErrSessionClosed
	}

	select {
	case s.outbound <- frame:
		return nil
	default:
		return ErrSessionClosed
	}
}

// close marks the session closed and releases the outbound channel.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.outbound != nil {
		close(s.outbound)
	}
}

// SessionStore tracks live sessions and evicts idle ones.
type SessionStore struct {
	sessions sync.Map // session id -> *Session
	count    atomic.Int64

	idleTimeout time.Duration
	logger      *zap.Logger
	metrics     *Metrics

	stopOnce sync.Once
	stop     chan struct{}
}

// NewSessionStore creates a store whose janitor evicts sessions idle
// longer than idleTimeout. Call Run to start the janitor and Shutdown
// to stop it.
func NewSessionStore(idleTimeout time.Duration, logger *zap.Logger, metrics *Metrics) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{
		idleTimeout: idleTimeout,
		logger:      logger,
		metrics:     metrics,
		stop:        make(chan struct{}),
	}
}

// Create registers a new session for the given transport.
func (st *SessionStore) Create(transport TransportKind) *Session {
	now := time.Now()
	s := &Session{
		ID:         uuid.New().String(),
		Transport:  transport,
		CreatedAt:  now,
		lastActive: now,
	}
	if transport == TransportKindHTTP {
		s.outbound = make(chan []byte, outboundBuffer)
	}

	st.sessions.Store(s.ID, s)
	n := st.count.Add(1)
	if st.metrics != nil {
		st.metrics.SetActiveSessions(float64(n))
	}

	st.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("transport", string(transport)),
	)
	return s
}

// Get returns the session by id.
func (st *SessionStore) Get(id string) (*Session, error) {
	v, ok := st.sessions.Load(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	s := v.(*Session)
	if s.Closed() {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove evicts a session, closing its outbound queue.
func (st *SessionStore) Remove(id string) {
	v, ok := st.sessions.LoadAndDelete(id)
	if !ok {
		return
	}
	s := v.(*Session)
	s.close()

	n := st.count.Add(-1)
	if st.metrics != nil {
		st.metrics.SetActiveSessions(float64(n))
	}

	st.logger.Info("session removed",
		zap.String("session_id", s.ID),
		zap.Duration("lifetime", time.Since(s.CreatedAt)),
	)
}

// Len returns the number of live sessions.
func (st *SessionStore) Len() int {
	return int(st.count.Load())
}

// Run starts the idle-eviction janitor and blocks until Shutdown.
func (st *SessionStore) Run() {
	interval := st.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-st.stop:
			return
		case <-ticker.C:
			st.evictIdle(time.Now())
		}
	}
}

// Shutdown stops the janitor and closes all sessions.
func (st *SessionStore) Shutdown() {
	st.stopOnce.Do(func() { close(st.stop) })

	st.sessions.Range(func(key, _ interface{}) bool {
		st.Remove(key.(string))
		return true
	})
}

// evictIdle removes sessions whose last activity is older than the
// idle timeout.
//
// Sessions with an open outbound stream are never idle: a client that
// listens without submitting is still connected, and the stream's
// teardown removes the session on disconnect. The stdio session lives
// for the whole process and is likewise exempt.
func (st *SessionStore) evictIdle(now time.Time) {
	st.sessions.Range(func(key, value interface{}) bool {
		s := value.(*Session)
		if s.Transport == TransportKindStdio || s.StreamOpen() {
			return true
		}
		idle := now.Sub(s.LastActive())
		if idle >= st.idleTimeout {
			st.logger.Info("session idle, evicting",
				zap.String("session_id", s.ID),
				zap.Duration("idle", idle),
			)
			st.Remove(key.(string))
		}
		return true
	})
}
