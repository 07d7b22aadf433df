package collab

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"plume-collab/internal/crdt"
	"plume-collab/internal/protocol"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Status is the connection state of a transport.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// maxFrameSize bounds a single frame read from the relay.
const maxFrameSize = 8 << 20

// TransportConfig configures the connection to the relay. A connection that
// answers neither frames nor pings for PongWait is dropped and redialed.
type TransportConfig struct {
	RelayURL         string
	RenewInterval    time.Duration
	AwarenessTimeout time.Duration
	PongWait         time.Duration
	Dialer           *websocket.Dialer
	NewBackOff       func() backoff.BackOff
	Logger           zerolog.Logger
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.RenewInterval <= 0 {
		c.RenewInterval = 15 * time.Second
	}
	if c.AwarenessTimeout <= 0 {
		c.AwarenessTimeout = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if c.NewBackOff == nil {
		c.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return c
}

// RoomName is the relay channel of a scene.
func RoomName(sceneID string) string {
	return "scene-" + sceneID
}

// RoomURL returns the relay WebSocket URL for a scene.
func RoomURL(relayURL, sceneID string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", relayURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid relay url %q: unsupported scheme", relayURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/room/" + url.PathEscape(RoomName(sceneID))
	return u.String(), nil
}

// Transport keeps one scene document in sync with the relay and carries the
// local user's presence. It reconnects with exponential backoff until closed.
type Transport struct {
	cfg       TransportConfig
	url       string
	doc       *crdt.Doc
	awareness *protocol.Awareness
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	status   Status
	send     chan []byte
	handle   int
	statusFn map[int]func(Status)

	offDoc       func()
	offAwareness func()
}

// Connect starts syncing doc with the relay room of sceneID. It returns at once;
// the connection is established in the background. A nil user publishes no
// presence until Awareness().SetLocalState is called.
func Connect(ctx context.Context, cfg TransportConfig, sceneID string, doc *crdt.Doc, user *protocol.User) (*Transport, error) {
	cfg = cfg.withDefaults()
	roomURL, err := RoomURL(cfg.RelayURL, sceneID)
	if err != nil {
		return nil, err
	}
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &Transport{
		cfg:       cfg,
		url:       roomURL,
		doc:       doc,
		awareness: protocol.NewAwareness(doc.ClientID()),
		logger:    cfg.Logger.With().Str("room", RoomName(sceneID)).Uint32("client_id", uint32(doc.ClientID())).Logger(),
		ctx:       tctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusConnecting,
		statusFn:  make(map[int]func(Status)),
	}
	if user != nil {
		t.awareness.SetLocalState(&protocol.State{User: user})
	}

	t.offDoc = doc.OnUpdate(func(update []byte, origin crdt.Origin) {
		if origin == crdt.OriginRemote {
			return
		}
		t.enqueue(protocol.Update(update).Encode())
	})
	t.offAwareness = t.awareness.OnChange(func(c protocol.Change) {
		if c.Origin != protocol.ChangeLocal {
			return
		}
		for _, id := range c.Clients() {
			if id == doc.ClientID() {
				t.enqueue(protocol.AwarenessFrame(t.awareness.EncodeUpdate([]crdt.ClientID{id})).Encode())
				return
			}
		}
	})

	go t.run()
	return t, nil
}

// Awareness returns the presence map of the room.
func (t *Transport) Awareness() *protocol.Awareness {
	return t.awareness
}

// Status returns the current connection state.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// OnStatus calls fn on every status transition.
func (t *Transport) OnStatus(fn func(Status)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.handle
	t.handle++
	t.statusFn[h] = fn
	return func() {
		t.mu.Lock()
		delete(t.statusFn, h)
		t.mu.Unlock()
	}
}

func (t *Transport) setStatus(s Status) {
	t.mu.Lock()
	if t.status == s {
		t.mu.Unlock()
		return
	}
	t.status = s
	fns := make([]func(Status), 0, len(t.statusFn))
	for _, fn := range t.statusFn {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	t.logger.Debug().Str("status", s.String()).Msg("transport status")
	for _, fn := range fns {
		fn(s)
	}
}

// enqueue hands a frame to the live connection. Frames produced while
// disconnected are dropped; the sync handshake on reconnect covers them.
func (t *Transport) enqueue(frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.send == nil {
		return
	}
	select {
	case t.send <- frame:
	default:
		t.logger.Warn().Msg("send buffer full, dropping frame")
	}
}

func (t *Transport) run() {
	defer close(t.done)
	b := t.cfg.NewBackOff()
	for {
		t.setStatus(StatusConnecting)
		connected, err := t.connectOnce()
		t.setStatus(StatusDisconnected)
		t.awareness.RemoveRemote()
		if t.ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			t.logger.Error().Err(err).Msg("giving up on relay")
			return
		}
		t.logger.Info().Err(err).Dur("retry_in", wait).Msg("relay connection lost")
		select {
		case <-time.After(wait):
		case <-t.ctx.Done():
			return
		}
	}
}

// connectOnce dials the relay and serves the connection until it fails.
// It reports whether the connection was established.
func (t *Transport) connectOnce() (bool, error) {
	conn, _, err := t.cfg.Dialer.DialContext(t.ctx, t.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial relay: %w", err)
	}

	connCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()

	send := make(chan []byte, 256)
	send <- protocol.Step1(t.doc.EncodeStateVector()).Encode()
	if t.awareness.Renew() {
		send <- protocol.AwarenessFrame(t.awareness.EncodeUpdate([]crdt.ClientID{t.doc.ClientID()})).Encode()
	}

	t.mu.Lock()
	t.send = send
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.send = nil
		t.mu.Unlock()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.writePump(connCtx, conn, send)
	}()
	go func() {
		defer wg.Done()
		t.keepAlive(connCtx)
	}()

	t.setStatus(StatusConnected)
	err = t.readPump(conn)
	cancel()
	wg.Wait()
	return true, err
}

func (t *Transport) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	})
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		frame, err := protocol.DecodeFrame(message)
		if err != nil {
			t.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		t.handleFrame(frame)
	}
}

func (t *Transport) handleFrame(frame protocol.Frame) {
	switch frame.Type {
	case protocol.MessageSync:
		switch frame.Step {
		case protocol.SyncStep1:
			sv, err := crdt.DecodeStateVector(frame.Payload)
			if err != nil {
				t.logger.Warn().Err(err).Msg("bad state vector")
				return
			}
			t.enqueue(protocol.Step2(t.doc.EncodeStateAsUpdate(sv)).Encode())
		case protocol.SyncStep2, protocol.SyncUpdate:
			if err := t.doc.ApplyUpdate(frame.Payload, crdt.OriginRemote); err != nil {
				t.logger.Warn().Err(err).Msg("failed to apply remote update")
			}
		}
	case protocol.MessageAwareness:
		if _, err := t.awareness.ApplyUpdate(frame.Payload); err != nil {
			t.logger.Warn().Err(err).Msg("failed to apply awareness update")
		}
	case protocol.MessageQueryAwareness:
		t.enqueue(protocol.AwarenessFrame(t.awareness.EncodeUpdate(t.awareness.Clients())).Encode())
	}
}

// writePump owns all writes to conn and pings the relay so readPump notices a
// dead link. On shutdown it drains queued frames, so a final awareness removal
// still goes out, then closes the connection.
func (t *Transport) writePump(ctx context.Context, conn *websocket.Conn, send chan []byte) {
	ping := time.NewTicker(t.cfg.PongWait * 9 / 10)
	defer func() {
		ping.Stop()
		conn.Close()
	}()
	write := func(frame []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.BinaryMessage, frame) == nil
	}
	for {
		select {
		case frame := <-send:
			if !write(frame) {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			for {
				select {
				case frame := <-send:
					if !write(frame) {
						return
					}
				default:
					conn.SetWriteDeadline(time.Now().Add(time.Second))
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// keepAlive renews the local presence and expires silent peers.
func (t *Transport) keepAlive(ctx context.Context) {
	renew := time.NewTicker(t.cfg.RenewInterval)
	defer renew.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-renew.C:
			if t.awareness.Renew() {
				t.enqueue(protocol.AwarenessFrame(t.awareness.EncodeUpdate([]crdt.ClientID{t.doc.ClientID()})).Encode())
			}
			t.awareness.SweepOutdated(t.cfg.AwarenessTimeout)
		}
	}
}

// Close withdraws the local presence, stops reconnecting and waits for the
// connection to shut down.
func (t *Transport) Close() error {
	t.offDoc()
	t.awareness.SetLocalState(nil)
	t.offAwareness()
	t.cancel()
	<-t.done
	return nil
}
