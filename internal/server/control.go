package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/lancomm/internal/config"
	"github.com/doismellburning/lancomm/internal/protocol"
	"github.com/doismellburning/lancomm/internal/session"
)

// HandshakeTimeout bounds how long a newly-accepted connection has to
// complete the auth challenge/response (spec §4.4).
const HandshakeTimeout = 5 * time.Second

// MaxProtocolViolations is the count of malformed/unknown/out-of-state
// messages at which the connection is closed: the session is closed on its
// fifth violation (spec §7:
// "ignore the message; do not close the session unless repeated
// violations exceed a small threshold").
const MaxProtocolViolations = 5

// ControlServer is the server side of the Control Protocol Endpoint (C4):
// accepts TCP connections, drives the auth handshake, and dispatches
// post-auth verbs against the Session Registry and Config Store.
type ControlServer struct {
	cfg      *config.Store
	registry *session.Registry
	audio    *AudioState
	secret   string
	logger   *log.Logger

	conns *connTracker
}

// NewControlServer constructs a ControlServer. secret is the shared
// authentication secret (spec §1: "no authorization roles beyond a single
// shared secret").
func NewControlServer(cfg *config.Store, registry *session.Registry, audioState *AudioState, secret string, logger *log.Logger) *ControlServer {
	c := &ControlServer{cfg: cfg, registry: registry, audio: audioState, secret: secret, logger: logger, conns: newConnTracker()}
	cfg.Observe(config.UsersChanged, c.onConfigChanged)
	cfg.Observe(config.ChannelsChanged, c.onConfigChanged)
	return c
}

// Serve accepts connections on ln until ctx is cancelled, handling each on
// its own goroutine.
func (c *ControlServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("accept failed", "err", err)
			continue
		}
		go c.handleConn(ctx, conn)
	}
}

func (c *ControlServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess, ok := c.handshake(conn)
	if !ok {
		return
	}

	c.conns.register(sess.UserID, conn)
	defer c.conns.unregister(sess.UserID)
	defer c.registry.Drop(sess)

	c.logger.Info("session authenticated", "user_id", sess.UserID, "addr", conn.RemoteAddr())

	violations := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		body, err := protocol.ReadMessage(conn)
		if err != nil {
			c.logger.Debug("session connection closed", "user_id", sess.UserID, "err", err)
			return
		}
		c.registry.Touch(sess)

		if !c.dispatch(sess, conn, body) {
			violations++
			if violations >= MaxProtocolViolations {
				c.logger.Warn("too many protocol violations, closing", "user_id", sess.UserID)
				return
			}
		}
	}
}

// handshake runs the auth challenge/response (spec §4.4 steps 1-3). It
// allocates a session (and its user_id) only on success, per spec §8
// scenario 6: a failed or timed-out handshake allocates no user_id.
func (c *ControlServer) handshake(conn net.Conn) (*session.Session, bool) {
	nonce, err := protocol.NewNonce()
	if err != nil {
		c.logger.Error("nonce generation failed", "err", err)
		return nil, false
	}

	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if err := protocol.WriteMessage(conn, protocol.AuthChallenge(hexEncode(nonce))); err != nil {
		return nil, false
	}

	body, err := protocol.ReadMessage(conn)
	if err != nil {
		return nil, false
	}
	msg := protocol.Parse(body)
	if msg.Verb != protocol.VerbAuthResponse || !protocol.CheckResponse(nonce, c.secret, msg.Arg) {
		protocol.WriteMessage(conn, protocol.AuthFail())
		return nil, false
	}

	sess := c.registry.Create(conn.RemoteAddr())
	if err := protocol.WriteMessage(conn, protocol.UserID(sess.UserID)); err != nil {
		c.registry.Drop(sess)
		return nil, false
	}
	return sess, true
}

// dispatch handles one post-auth verb. It returns false for a protocol
// violation (malformed/unknown/out-of-state verb) so the caller can count
// it toward MaxProtocolViolations; per spec §7 the session itself is not
// closed for an isolated violation.
func (c *ControlServer) dispatch(sess *session.Session, conn net.Conn, body string) bool {
	msg := protocol.Parse(body)

	switch msg.Verb {
	case protocol.VerbGetUsers:
		snapshot := c.cfg.Snapshot()
		names := make([]string, 0, len(snapshot.Users))
		for name := range snapshot.Users {
			names = append(names, name)
		}
		return c.reply(conn, protocol.Users(names))

	case protocol.VerbSelectUser, protocol.VerbAssignUser:
		return c.handleBind(sess, conn, msg.Arg)

	case protocol.VerbToggleTalk:
		channel, on, err := protocol.ParseToggleTalk(msg.Arg)
		if err != nil {
			return false
		}
		if err := c.registry.SetTalk(sess, channel, on); err != nil {
			c.logger.Debug("toggle talk rejected", "user_id", sess.UserID, "channel", channel, "err", err)
			return false
		}
		return true

	case protocol.VerbSetUDP:
		port, err := protocol.ParseSetUDP(msg.Arg)
		if err != nil {
			return false
		}
		if err := c.registry.SetUDP(sess, port); err != nil {
			c.reply(conn, protocol.UDPFail())
			return false
		}
		return c.reply(conn, protocol.UDPOk())

	case protocol.VerbPing:
		return c.reply(conn, protocol.Pong())

	default:
		return false
	}
}

func (c *ControlServer) handleBind(sess *session.Session, conn net.Conn, profile string) bool {
	channels, modes, err := c.registry.Bind(sess, profile)
	if err != nil {
		var reason string
		if err == session.ErrMaxUsersReached {
			reason = protocol.ErrMaxUsersReached
		}
		return c.reply(conn, protocol.Error(reason))
	}

	payload := buildConfigPayload(c.cfg.Snapshot(), channels, modes, sess.SlotChannels())
	raw, err := protocol.MarshalConfigPayload(payload)
	if err != nil {
		return false
	}
	return c.reply(conn, protocol.Config(raw))
}

// buildConfigPayload renders the wire CONFIG/UPDATE_CONFIG payload. Button
// modes are keyed by the profile's physical slot position (slots), not by
// enumeration order over channelIDs, since slot 0..3 identifies a specific
// beltpack button (spec §4.8) and channelIDs/modes alone don't carry that
// position once collected into a map.
func buildConfigPayload(snapshot config.Config, channelIDs []int, modes map[int]config.ButtonMode, slots [config.MaxUserChannels]*int) protocol.ConfigPayload {
	p := protocol.ConfigPayload{
		Channels:      make(map[string]string, len(channelIDs)),
		ButtonModes:   make(map[string]string, len(slots)),
		ChannelBySlot: make(map[string]string, len(slots)),
	}
	for _, id := range channelIDs {
		if !snapshot.Channels[id].Enabled {
			continue
		}
		p.Channels[itoa(id)] = snapshot.Channels[id].Name
	}
	for slotIdx, chID := range slots {
		if chID == nil {
			continue
		}
		mode := "latch"
		if modes[*chID] == config.ModeMomentary {
			mode = "non-latch"
		}
		p.ButtonModes[itoa(slotIdx)] = mode
		p.ChannelBySlot[itoa(slotIdx)] = itoa(*chID)
	}
	return p
}

// onConfigChanged pushes UPDATE_CONFIG to every currently-bound,
// currently-connected session (spec §4.4's server→client async message).
// It is a Config Store observer and so runs under the store's lock; the
// push runs on its own goroutine because Bind reads the store.
func (c *ControlServer) onConfigChanged(snapshot config.Config) {
	go c.pushConfig(snapshot)
}

func (c *ControlServer) pushConfig(snapshot config.Config) {
	for userID, conn := range c.conns.snapshot() {
		sess, ok := c.registry.Get(userID)
		if !ok || sess.BoundUser == "unbound" {
			continue
		}
		channels, modes, err := c.registry.Bind(sess, sess.BoundUser)
		if err != nil {
			continue
		}
		payload := buildConfigPayload(snapshot, channels, modes, sess.SlotChannels())
		raw, err := protocol.MarshalConfigPayload(payload)
		if err != nil {
			continue
		}
		protocol.WriteMessage(conn, protocol.UpdateConfig(raw))
	}
}

// Conns exposes the connection tracker so the background Cleanup task can
// force-close a reaped session's control connection.
func (c *ControlServer) Conns() *connTracker { return c.conns }

// Identify sends FLASH_PACK to a specific session, for operator-triggered
// "identify this beltpack" requests.
func (c *ControlServer) Identify(userID uint32) bool {
	conn, ok := c.conns.get(userID)
	if !ok {
		return false
	}
	return protocol.WriteMessage(conn, protocol.FlashPack()) == nil
}

func (c *ControlServer) reply(conn net.Conn, msg string) bool {
	return protocol.WriteMessage(conn, msg) == nil
}

// connTracker maps a session's user_id to its live control connection, so
// async pushes (UPDATE_CONFIG, FLASH_PACK) can reach it.
type connTracker struct {
	mu    sync.Mutex
	conns map[uint32]net.Conn
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[uint32]net.Conn)}
}

func (t *connTracker) register(userID uint32, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[userID] = conn
}

func (t *connTracker) unregister(userID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, userID)
}

func (t *connTracker) get(userID uint32) (net.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[userID]
	return c, ok
}

func (t *connTracker) snapshot() map[uint32]net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint32]net.Conn, len(t.conns))
	for k, v := range t.conns {
		out[k] = v
	}
	return out
}
