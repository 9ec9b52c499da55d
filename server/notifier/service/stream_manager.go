package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/boodymasoud7/netaq-crm-sub002/server/common/auth"
	commonlog "github.com/boodymasoud7/netaq-crm-sub002/server/common/log"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/domain"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/store"
)

var (
	// ErrCredentialExpired is a session-level condition: the caller must
	// re-authenticate, the manager will not retry.
	ErrCredentialExpired = errors.New("session credential expired")
	ErrInvalidCredential = errors.New("session credential invalid")
)

const sessionArtifactKey = "notifier:session"

type reachabilityProber interface {
	Reachable(ctx context.Context) bool
}

// StreamManager owns the single push connection for a privileged session.
// It is the exclusive writer of the connection state; other components read
// a copy via State.
type StreamManager struct {
	streamURL  string
	auth       *auth.Service
	prober     reachabilityProber
	kv         store.KV
	privileged map[string]struct{}
	backoff    time.Duration
	dialer     *websocket.Dialer
	onEvent    func(domain.StreamEnvelope)

	mu         sync.Mutex
	conn       *websocket.Conn
	state      domain.ConnectionState
	retryTimer *time.Timer
	generation int
	torn       bool
}

func NewStreamManager(streamURL string, authSvc *auth.Service, prober reachabilityProber, kv store.KV, privilegedRoles []string, backoff time.Duration, onEvent func(domain.StreamEnvelope)) *StreamManager {
	privileged := make(map[string]struct{}, len(privilegedRoles))
	for _, role := range privilegedRoles {
		privileged[role] = struct{}{}
	}
	return &StreamManager{
		streamURL:  streamURL,
		auth:       authSvc,
		prober:     prober,
		kv:         kv,
		privileged: privileged,
		backoff:    backoff,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		onEvent:    onEvent,
	}
}

// Connect opens the push connection for the given credential. Sessions
// without a qualifying role are a silent no-op, as is calling Connect while
// already connected. An expired credential clears local session artifacts
// and short-circuits without dialing.
func (m *StreamManager) Connect(ctx context.Context, credential string) error {
	claims, err := m.auth.ParseToken(credential)
	if err != nil {
		if auth.IsExpired(err) {
			if delErr := m.kv.Delete(ctx, sessionArtifactKey); delErr != nil {
				commonlog.Warnf("event=stream action=clear_session status=failed error=%v", delErr)
			}
			commonlog.Warnf("event=stream action=connect status=expired_credential")
			return ErrCredentialExpired
		}
		return ErrInvalidCredential
	}
	if _, ok := m.privileged[claims.Role]; !ok {
		commonlog.Debugf("event=stream action=connect status=skipped role=%s", claims.Role)
		return nil
	}

	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.torn = false
	m.generation++
	generation := m.generation
	m.mu.Unlock()

	endpoint, err := buildStreamURL(m.streamURL, credential)
	if err != nil {
		return err
	}
	conn, _, err := m.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		commonlog.Errorf("event=stream action=connect status=failed error=%v", err)
		m.handleTransportError(credential, generation, err)
		return err
	}

	m.mu.Lock()
	if m.torn || m.generation != generation {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.conn = conn
	m.state = domain.ConnectionState{Connected: true}
	m.mu.Unlock()

	if raw, marshalErr := json.Marshal(map[string]any{"user_id": claims.UserID, "connected_at": time.Now()}); marshalErr == nil {
		if setErr := m.kv.Set(ctx, sessionArtifactKey, raw); setErr != nil {
			commonlog.Warnf("event=stream action=record_session status=failed error=%v", setErr)
		}
	}
	commonlog.Infof("event=stream action=connect status=ok user_id=%s", claims.UserID)
	go m.readLoop(conn, credential, generation)
	return nil
}

// Disconnect tears the connection down deterministically. Safe to call when
// already disconnected; also cancels any pending reconnect timer.
func (m *StreamManager) Disconnect() {
	m.mu.Lock()
	m.torn = true
	m.generation++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.state.Connected = false
	m.state.ReconnectDeadline = time.Time{}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		commonlog.Infof("event=stream action=disconnect status=ok")
	}
}

// State returns a copy of the connection state.
func (m *StreamManager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *StreamManager) readLoop(conn *websocket.Conn, credential string, generation int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			stale := m.generation != generation
			m.mu.Unlock()
			if stale {
				return
			}
			m.handleTransportError(credential, generation, err)
			return
		}

		var env domain.StreamEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			// Malformed payloads never block subsequent messages.
			continue
		}
		switch {
		case env.Type == domain.EventHeartbeat || env.Type == domain.EventConnected:
			continue
		case env.BusinessEvent():
			m.onEvent(env)
		default:
			commonlog.Debugf("event=stream action=drop_unrecognized type=%s", env.Type)
		}
	}
}

// handleTransportError records the failure and, only when the backend is
// reachable, arms a single reconnect after the fixed backoff window. When
// the backend is unreachable no timer is armed; the next organic Connect
// call re-initiates.
func (m *StreamManager) handleTransportError(credential string, generation int, cause error) {
	m.mu.Lock()
	if m.torn || m.generation != generation {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state.Connected = false
	m.state.LastError = cause.Error()
	alreadyArmed := m.retryTimer != nil
	m.mu.Unlock()
	if alreadyArmed {
		return
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	reachable := m.prober.Reachable(probeCtx)
	cancel()
	if !reachable {
		commonlog.Warnf("event=stream action=reconnect status=backend_unreachable")
		return
	}

	m.mu.Lock()
	if m.torn || m.retryTimer != nil {
		m.mu.Unlock()
		return
	}
	m.state.ReconnectDeadline = time.Now().Add(m.backoff)
	m.retryTimer = time.AfterFunc(m.backoff, func() {
		m.mu.Lock()
		m.retryTimer = nil
		m.state.ReconnectDeadline = time.Time{}
		torn := m.torn
		m.mu.Unlock()
		if torn {
			return
		}
		if err := m.Connect(context.Background(), credential); err != nil {
			commonlog.Warnf("event=stream action=reconnect status=failed error=%v", err)
		}
	})
	m.mu.Unlock()
	commonlog.Infof("event=stream action=reconnect status=scheduled backoff=%s", m.backoff)
}

func buildStreamURL(raw, credential string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
