package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/status"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config controls the channel endpoint and the reconnection policy.
type Config struct {
	URL                  string
	Namespace            string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	HandshakeTimeout     time.Duration
}

// ConnectionState is a snapshot of the transport state.
type ConnectionState struct {
	Status            status.State
	ReconnectAttempts int
	LastConnectedAt   time.Time
	LastError         error
}

// AuthUser is the identity acknowledged by the server.
type AuthUser struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// AuthState is set only after the server acknowledges the handshake.
type AuthState struct {
	IsAuthenticated bool
	User            AuthUser
}

// Handler receives the raw data of a dispatched event.
type Handler func(data json.RawMessage)

// HandlerID identifies a registration returned by On.
type HandlerID uint64

// Manager owns the single realtime connection, its reconnection policy and
// the event handler registry.
type Manager struct {
	cfg     Config
	dialer  Dialer
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	flight  singleflight.Group
	writeMu sync.Mutex

	mu              sync.Mutex
	conn            Conn
	credential      string
	resumable       bool
	everConnected   bool
	attempts        int
	lastConnectedAt time.Time
	lastErr         error
	auth            AuthState
	handlers        map[string]map[HandlerID]Handler
	nextID          HandlerID
	rooms           map[int64]struct{}
	epochCtx        context.Context
	epochCancel     context.CancelFunc
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config, dialer Dialer, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if machine == nil {
		machine = status.NewMachine(b)
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		dialer:      dialer,
		machine:     machine,
		bus:         b,
		logger:      logger,
		handlers:    make(map[string]map[HandlerID]Handler),
		rooms:       make(map[int64]struct{}),
		epochCtx:    ctx,
		epochCancel: cancel,
	}
}

// Connect opens the channel with credential, or with the last known one when
// credential is empty. It returns once the transport is open, the server has
// rejected the credential, or the retry budget is spent. Concurrent calls share
// one attempt.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	if credential != "" {
		m.credential = credential
	}
	cred := m.credential
	if cred == "" {
		m.mu.Unlock()
		return &ConnectionError{Op: "connect", Err: ErrNoCredential}
	}
	m.resumable = true
	m.mu.Unlock()

	if m.machine.Current() == status.Connected {
		return nil
	}
	_, err, _ := m.flight.Do("connect", func() (any, error) {
		return nil, m.connectLoop(ctx, cred)
	})
	return err
}

// Resume reconnects after the host returns to the foreground, unless the
// channel is already up or was explicitly disconnected.
func (m *Manager) Resume(ctx context.Context) error {
	m.mu.Lock()
	ok := m.resumable && m.credential != ""
	m.mu.Unlock()
	if !ok {
		return nil
	}
	switch m.machine.Current() {
	case status.Connected, status.Connecting:
		return nil
	}
	m.logger.Info("resuming realtime channel")
	return m.Connect(ctx, "")
}

// Disconnect tears down the transport, forgets handlers and rooms, and stops
// any pending reconnection. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epochCancel()
	m.epochCtx, m.epochCancel = context.WithCancel(context.Background())
	conn := m.conn
	m.conn = nil
	m.resumable = false
	m.everConnected = false
	m.attempts = 0
	m.auth = AuthState{}
	m.handlers = make(map[string]map[HandlerID]Handler)
	m.rooms = make(map[int64]struct{})
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		m.logger.Info("realtime disconnected")
	}
	m.machine.Reset()
}

// On registers handler for event.
func (m *Manager) On(event string, h Handler) HandlerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	set, ok := m.handlers[event]
	if !ok {
		set = make(map[HandlerID]Handler)
		m.handlers[event] = set
	}
	set[id] = h
	return id
}

// Off removes a registration. Unknown ids are ignored.
func (m *Manager) Off(event string, id HandlerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.handlers[event]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.handlers, event)
		}
	}
}

// State returns a snapshot of the connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionState{
		Status:            m.machine.Current(),
		ReconnectAttempts: m.attempts,
		LastConnectedAt:   m.lastConnectedAt,
		LastError:         m.lastErr,
	}
}

// Auth returns the handshake acknowledgment state.
func (m *Manager) Auth() AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.auth
}

// Connected reports whether the transport is open.
func (m *Manager) Connected() bool {
	return m.machine.Current() == status.Connected
}

// Emit sends an event to the server.
func (m *Manager) Emit(event string, data any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || !m.Connected() {
		return &TransportError{Event: event, Err: ErrNotConnected}
	}
	return m.write(conn, event, data)
}

// JoinRoom subscribes to updates for a conversation. The room is remembered
// and joined again after every reconnect.
func (m *Manager) JoinRoom(conversationID int64) error {
	m.mu.Lock()
	m.rooms[conversationID] = struct{}{}
	m.mu.Unlock()
	err := m.Emit(CommandJoin, roomPayload{ConversationID: conversationID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// LeaveRoom unsubscribes from a conversation.
func (m *Manager) LeaveRoom(conversationID int64) error {
	m.mu.Lock()
	delete(m.rooms, conversationID)
	m.mu.Unlock()
	err := m.Emit(CommandLeave, roomPayload{ConversationID: conversationID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// MarkConversationRead asks the server to mark a conversation read for every viewer.
func (m *Manager) MarkConversationRead(_ context.Context, conversationID int64) error {
	return m.Emit(CommandMarkRead, roomPayload{ConversationID: conversationID})
}

func (m *Manager) write(conn Conn, event string, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return &TransportError{Event: event, Err: err}
		}
		raw = b
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(Frame{Event: event, Data: raw}); err != nil {
		return &TransportError{Event: event, Err: err}
	}
	return nil
}

func (m *Manager) connectLoop(ctx context.Context, cred string) error {
	m.mu.Lock()
	epoch := m.epochCtx
	m.attempts = 0
	m.mu.Unlock()

	_ = m.machine.Transition(status.Connecting)
	for {
		err := m.dialOnce(ctx, epoch, cred)
		if err == nil {
			return nil
		}
		if epoch.Err() != nil {
			return &ConnectionError{Op: "connect", Err: ErrClosed}
		}
		var authErr *AuthError
		if errors.As(err, &authErr) {
			m.rejectAuth(authErr)
			return err
		}

		m.mu.Lock()
		m.attempts++
		attempts := m.attempts
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Warn("realtime connect failed", zap.Error(err), zap.Int("attempt", attempts))
		m.dispatch(EventConnectError, errorData(err))

		if attempts >= m.cfg.MaxReconnectAttempts {
			failed := &ConnectionError{Op: "connect", Err: ErrRetriesExhausted}
			m.mu.Lock()
			m.lastErr = failed
			m.mu.Unlock()
			_ = m.machine.Transition(status.Error)
			m.logger.Error("realtime reconnect attempts exhausted", zap.Int("attempts", attempts))
			m.bus.Emit(bus.ConnectionFailed, failed.Error())
			return failed
		}

		timer := time.NewTimer(m.cfg.ReconnectDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			_ = m.machine.Transition(status.Disconnected)
			return &ConnectionError{Op: "connect", Err: ctx.Err()}
		case <-epoch.Done():
			timer.Stop()
			return &ConnectionError{Op: "connect", Err: ErrClosed}
		}
	}
}

func (m *Manager) dialOnce(ctx, epoch context.Context, cred string) error {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(epoch, cancel)
	defer stop()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred)
	conn, err := m.dialer.Dial(dctx, Endpoint(m.cfg.URL, m.cfg.Namespace), header)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return &AuthError{Err: err}
		}
		return &ConnectionError{Op: "dial", Err: err}
	}

	m.mu.Lock()
	if epoch.Err() != nil {
		m.mu.Unlock()
		_ = conn.Close()
		return &ConnectionError{Op: "dial", Err: ErrClosed}
	}
	m.conn = conn
	reconnected := m.everConnected
	m.everConnected = true
	m.attempts = 0
	m.lastConnectedAt = time.Now()
	m.lastErr = nil
	rooms := make([]int64, 0, len(m.rooms))
	for id := range m.rooms {
		rooms = append(rooms, id)
	}
	m.mu.Unlock()

	_ = m.machine.Transition(status.Connected)
	m.logger.Info("realtime connected", zap.Bool("reconnect", reconnected), zap.Int("rooms", len(rooms)))
	go m.readLoop(epoch, conn)

	for _, id := range rooms {
		if err := m.write(conn, CommandJoin, roomPayload{ConversationID: id}); err != nil {
			m.logger.Warn("rejoin room failed", zap.Int64("conversation_id", id), zap.Error(err))
		}
	}
	m.dispatch(EventConnect, nil)
	if reconnected {
		m.dispatch(EventReconnect, nil)
	}
	return nil
}

func (m *Manager) readLoop(epoch context.Context, conn Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			m.handleDrop(epoch, conn, err)
			return
		}
		switch f.Event {
		case EventAuthenticated:
			var payload struct {
				User AuthUser `json:"user"`
			}
			_ = json.Unmarshal(f.Data, &payload)
			m.mu.Lock()
			m.auth = AuthState{IsAuthenticated: true, User: payload.User}
			m.mu.Unlock()
			m.bus.Emit(bus.ConnectionAuthed, payload.User)
		case EventUnauthorized:
			var payload struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(f.Data, &payload)
			m.mu.Lock()
			if m.conn == conn {
				m.conn = nil
			}
			m.mu.Unlock()
			_ = conn.Close()
			m.rejectAuth(&AuthError{Reason: payload.Message, Err: ErrUnauthorized})
			return
		}
		m.dispatch(f.Event, f.Data)
	}
}

// handleDrop starts automatic reconnection unless the connection was closed on purpose.
func (m *Manager) handleDrop(epoch context.Context, conn Conn, err error) {
	m.mu.Lock()
	if epoch.Err() != nil || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.auth = AuthState{}
	m.lastErr = &ConnectionError{Op: "read", Err: err}
	cred := m.credential
	m.mu.Unlock()

	m.logger.Warn("realtime connection dropped", zap.Error(err))
	m.dispatch(EventDisconnect, errorData(err))

	_, _, _ = m.flight.Do("connect", func() (any, error) {
		return nil, m.connectLoop(epoch, cred)
	})
}

func (m *Manager) rejectAuth(err *AuthError) {
	m.mu.Lock()
	m.auth = AuthState{}
	m.lastErr = err
	m.mu.Unlock()
	_ = m.machine.Transition(status.Error)
	m.logger.Error("realtime credential rejected", zap.Error(err))
	m.bus.Emit(bus.ConnectionUnauthorized, err.Error())
	m.dispatch(EventUnauthorized, errorData(err))
}

func (m *Manager) dispatch(event string, data json.RawMessage) {
	m.mu.Lock()
	set := m.handlers[event]
	hs := make([]Handler, 0, len(set))
	for _, h := range set {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func errorData(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"message": err.Error()})
	return b
}
