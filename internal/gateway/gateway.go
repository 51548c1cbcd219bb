package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"guild-ledger/internal/logging"
)

const gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway intents: guilds (roles), members, moderation (bans).
const (
	intentGuilds          = 1 << 0
	intentGuildMembers    = 1 << 1
	intentGuildModeration = 1 << 2

	identifyIntents = intentGuilds | intentGuildMembers | intentGuildModeration
)

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

type gatewayFrame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	T  string          `json:"t,omitempty"`
	S  int64           `json:"s,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	User             struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// Connection holds one bot websocket session against the gateway. It reads
// HELLO, identifies with the member/moderation intents, heartbeats, and hands
// every dispatch frame to the Session. Lost connections are resumed when the
// gateway allows it and re-identified otherwise.
type Connection struct {
	Token             string
	Conn              *websocket.Conn
	SessionID         string
	ResumeGatewayURL  string
	LastSequence      int64
	HeartbeatInterval time.Duration
	Connected         bool

	session         *Session
	heartbeatTicker *time.Ticker
	stopChan        chan bool
	mutex           sync.RWMutex
	logger          *slog.Logger
}

func NewConnection(token string, session *Session, logger *slog.Logger) *Connection {
	return &Connection{
		Token:    token,
		session:  session,
		logger:   logger,
		stopChan: make(chan bool, 1),
	}
}

func (gc *Connection) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	gc.mutex.Lock()
	gc.Conn = conn
	gc.mutex.Unlock()

	var helloMsg gatewayFrame
	if err := conn.ReadJSON(&helloMsg); err != nil {
		return fmt.Errorf("failed to read HELLO: %w", err)
	}
	if helloMsg.Op != opHello {
		return fmt.Errorf("expected HELLO opcode, got %d", helloMsg.Op)
	}

	var hello helloData
	if err := json.Unmarshal(helloMsg.D, &hello); err != nil {
		return fmt.Errorf("failed to parse HELLO data: %w", err)
	}
	gc.HeartbeatInterval = time.Duration(hello.HeartbeatInterval) * time.Millisecond

	identifyPayload := map[string]interface{}{
		"op": opIdentify,
		"d": map[string]interface{}{
			"token":   gc.Token,
			"intents": identifyIntents,
			"properties": map[string]interface{}{
				"os":      "linux",
				"browser": "guild-ledger",
				"device":  "guild-ledger",
			},
			"compress": false,
		},
	}
	if err := conn.WriteJSON(identifyPayload); err != nil {
		return fmt.Errorf("failed to send IDENTIFY: %w", err)
	}

	var readyMsg gatewayFrame
	if err := conn.ReadJSON(&readyMsg); err != nil {
		return fmt.Errorf("failed to read READY: %w", err)
	}
	if readyMsg.Op != opDispatch || readyMsg.T != "READY" {
		return fmt.Errorf("expected READY event, got op=%d t=%s", readyMsg.Op, readyMsg.T)
	}

	var ready readyData
	if err := json.Unmarshal(readyMsg.D, &ready); err != nil {
		return fmt.Errorf("failed to parse READY data: %w", err)
	}

	gc.mutex.Lock()
	gc.SessionID = ready.SessionID
	gc.ResumeGatewayURL = ready.ResumeGatewayURL
	gc.LastSequence = readyMsg.S
	gc.Connected = true
	gc.mutex.Unlock()

	gc.logger.Info("gateway_connected",
		"token", logging.MaskToken(gc.Token),
		"session_id", gc.SessionID,
		"bot_user", ready.User.Username,
	)
	return nil
}

func (gc *Connection) StartHeartbeat() {
	if gc.HeartbeatInterval == 0 {
		return
	}

	gc.heartbeatTicker = time.NewTicker(gc.HeartbeatInterval)
	defer gc.heartbeatTicker.Stop()

	for {
		select {
		case <-gc.heartbeatTicker.C:
			gc.sendHeartbeat()
		case <-gc.stopChan:
			return
		}
	}
}

func (gc *Connection) sendHeartbeat() {
	gc.mutex.RLock()
	conn := gc.Conn
	seq := gc.LastSequence
	gc.mutex.RUnlock()

	if conn == nil {
		return
	}

	var seqValue interface{}
	if seq > 0 {
		seqValue = seq
	}

	heartbeat := map[string]interface{}{
		"op": opHeartbeat,
		"d":  seqValue,
	}

	if err := conn.WriteJSON(heartbeat); err != nil {
		gc.logger.Debug("heartbeat_send_failed", "error", err)
		return
	}
	gc.logger.Debug("heartbeat_sent", "seq", seq)
}

// Listen reads frames until the connection drops or ctx is cancelled. Every
// dispatch frame advances the sequence and goes to the session; the gateway's
// own control opcodes are answered inline.
func (gc *Connection) Listen(ctx context.Context) error {
	gc.mutex.RLock()
	conn := gc.Conn
	gc.mutex.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var frame gatewayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			gc.mutex.Lock()
			gc.Connected = false
			gc.mutex.Unlock()
			return fmt.Errorf("gateway read: %w", err)
		}

		switch frame.Op {
		case opDispatch:
			gc.mutex.Lock()
			if frame.S > gc.LastSequence {
				gc.LastSequence = frame.S
			}
			gc.mutex.Unlock()
			gc.session.Dispatch(frame.T, frame.S, frame.D)

		case opHeartbeat:
			gc.sendHeartbeat()

		case opReconnect:
			return fmt.Errorf("gateway requested reconnect")

		case opInvalidSession:
			gc.mutex.Lock()
			gc.SessionID = ""
			gc.mutex.Unlock()
			return fmt.Errorf("gateway invalidated session")

		case opHeartbeatACK:
			// nothing to do
		}
	}
}

func (gc *Connection) Resume(ctx context.Context) error {
	if gc.SessionID == "" || gc.ResumeGatewayURL == "" {
		return fmt.Errorf("cannot resume: missing session_id or resume_gateway_url")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}

	resumeURL := gc.ResumeGatewayURL + "?v=10&encoding=json"
	conn, _, err := dialer.DialContext(ctx, resumeURL, nil)
	if err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}

	// Discord sends HELLO first on every new websocket connection.
	var helloMsg gatewayFrame
	if err := conn.ReadJSON(&helloMsg); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to read HELLO during resume: %w", err)
	}
	if helloMsg.Op != opHello {
		_ = conn.Close()
		return fmt.Errorf("expected HELLO opcode during resume, got %d", helloMsg.Op)
	}

	var hello helloData
	if err := json.Unmarshal(helloMsg.D, &hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to parse HELLO data during resume: %w", err)
	}

	gc.mutex.Lock()
	gc.HeartbeatInterval = time.Duration(hello.HeartbeatInterval) * time.Millisecond
	gc.Conn = conn
	gc.mutex.Unlock()

	resumePayload := map[string]interface{}{
		"op": opResume,
		"d": map[string]interface{}{
			"token":      gc.Token,
			"session_id": gc.SessionID,
			"seq":        gc.LastSequence,
		},
	}
	if err := conn.WriteJSON(resumePayload); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to send RESUME: %w", err)
	}

	// The response can be RESUMED, replayed dispatches, or INVALID_SESSION;
	// read a few messages to be tolerant of gateway timing.
	for i := 0; i < 5; i++ {
		var respMsg gatewayFrame
		if err := conn.ReadJSON(&respMsg); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to read RESUME response: %w", err)
		}

		if respMsg.Op == opInvalidSession {
			_ = conn.Close()
			return fmt.Errorf("invalid session, need full reconnect")
		}

		if respMsg.Op == opDispatch {
			gc.mutex.Lock()
			if respMsg.S > gc.LastSequence {
				gc.LastSequence = respMsg.S
			}
			gc.mutex.Unlock()

			if respMsg.T == "RESUMED" {
				gc.mutex.Lock()
				gc.Connected = true
				gc.mutex.Unlock()
				gc.logger.Info("gateway_resumed", "seq", gc.LastSequence)
				return nil
			}
			// replayed event delivered before RESUMED
			gc.session.Dispatch(respMsg.T, respMsg.S, respMsg.D)
			continue
		}

		if respMsg.Op == opHello {
			_ = conn.Close()
			return fmt.Errorf("unexpected HELLO after RESUME, need full reconnect")
		}
	}

	_ = conn.Close()
	return fmt.Errorf("resume did not complete after multiple messages")
}

// Run keeps the connection alive until ctx is cancelled: connect, heartbeat,
// listen, then resume or re-identify with backoff after a drop.
func (gc *Connection) Run(ctx context.Context) {
	retry := DefaultRetryConfig()
	attempt := 0

	for ctx.Err() == nil {
		err := gc.Connect(ctx)
		if err == nil {
			attempt = 0
			go gc.StartHeartbeat()
			err = gc.Listen(ctx)
			gc.stopHeartbeat()
		}
		if ctx.Err() != nil {
			return
		}

		gc.logger.Warn("gateway_disconnected", "error", err, "attempt", attempt)

		// Try one resume before falling back to a fresh identify.
		if gc.SessionID != "" {
			if rerr := gc.Resume(ctx); rerr == nil {
				go gc.StartHeartbeat()
				err = gc.Listen(ctx)
				gc.stopHeartbeat()
				gc.logger.Warn("gateway_disconnected", "error", err, "attempt", attempt)
			}
		}

		backoff := CalculateBackoff(retry, attempt, 0)
		attempt++
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

func (gc *Connection) stopHeartbeat() {
	select {
	case gc.stopChan <- true:
	default:
	}
}

func (gc *Connection) Close() error {
	gc.mutex.Lock()
	defer gc.mutex.Unlock()

	gc.Connected = false
	if gc.heartbeatTicker != nil {
		gc.heartbeatTicker.Stop()
	}

	select {
	case gc.stopChan <- true:
	default:
	}

	if gc.Conn != nil {
		return gc.Conn.Close()
	}
	return nil
}
