// Package beltpack implements the client-side mirror of the control and
// audio protocols (C8): connect, discover, authenticate, bind a profile,
// capture and transmit per-channel audio, mix and play received audio with
// sidetone, and drive the four physical talk buttons and their LEDs.
package beltpack

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/lancomm/internal/config"
	"github.com/doismellburning/lancomm/internal/protocol"
)

// ReconnectInitialBackoff and ReconnectMaxBackoff bound the linear backoff
// between reconnect attempts (grounded on the teacher's KISS TCP client
// reconnection shape in nettnc.go/kissnet.go: retry with a growing delay
// capped at a few seconds, not exponential).
const (
	ReconnectInitialBackoff = 2 * time.Second
	ReconnectMaxBackoff     = 5 * time.Second
)

// SlotState is everything the Client tracks about one of a bound profile's
// up to config.MaxUserChannels physical button positions.
type SlotState struct {
	ChannelID int
	Name      string
	Mode      config.ButtonMode
	Volume    float64 // local playback volume in [0,1], from a rotary encoder
}

// Client is a beltpack's control-plane session: one TCP connection to the
// server, reconnected on failure, carrying auth, bind, talk toggles, and
// UDP return-address registration. It is safe for concurrent use; the
// capture, playback, and button-driver goroutines all read and mutate it
// through its exported methods.
type Client struct {
	secret      string
	profileName string
	logger      *log.Logger

	mu     sync.Mutex
	conn   net.Conn
	userID uint32
	bound  bool
	slots  [config.MaxUserChannels]*SlotState
}

// NewClient constructs a Client that will authenticate with secret and bind
// profileName once connected.
func NewClient(secret, profileName string, logger *log.Logger) *Client {
	return &Client{secret: secret, profileName: profileName, logger: logger}
}

// Run dials addr, performs the handshake/bind/SET_UDP sequence, then reads
// server pushes until the connection drops, reconnecting with linear
// backoff until ctx is cancelled. udpLocalPort is the beltpack's own UDP
// listen port, announced to the server via SET_UDP.
func (c *Client) Run(ctx context.Context, addr string, udpLocalPort int) {
	backoff := ReconnectInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectOnce(ctx, addr, udpLocalPort); err != nil {
			c.logger.Warn("control session ended", "err", err)
		}
		c.mu.Lock()
		c.bound = false
		c.conn = nil
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff += time.Second
		if backoff > ReconnectMaxBackoff {
			backoff = ReconnectMaxBackoff
		}
	}
}

func (c *Client) connectOnce(ctx context.Context, addr string, udpLocalPort int) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("beltpack: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := c.handshake(conn); err != nil {
		return err
	}
	if err := c.bind(conn); err != nil {
		return err
	}
	if err := protocol.WriteMessage(conn, protocol.SetUDP(udpLocalPort)); err != nil {
		return fmt.Errorf("beltpack: send SET_UDP: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	userID := c.userID
	c.mu.Unlock()
	c.logger.Info("session established", "user_id", userID, "profile", c.profileName)

	return c.readLoop(conn)
}

func (c *Client) handshake(conn net.Conn) error {
	body, err := protocol.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("beltpack: read challenge: %w", err)
	}
	msg := protocol.Parse(body)
	if msg.Verb != protocol.VerbAuthChallenge {
		return fmt.Errorf("beltpack: unexpected verb %q awaiting challenge", msg.Verb)
	}
	nonce, err := hex.DecodeString(msg.Arg)
	if err != nil {
		return fmt.Errorf("beltpack: decode nonce: %w", err)
	}
	digest := protocol.ExpectedResponse(nonce, c.secret)
	if err := protocol.WriteMessage(conn, protocol.AuthResponse(digest)); err != nil {
		return fmt.Errorf("beltpack: send auth response: %w", err)
	}

	body, err = protocol.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("beltpack: read auth result: %w", err)
	}
	reply := protocol.Parse(body)
	if reply.Verb == protocol.VerbAuthFail {
		return fmt.Errorf("beltpack: authentication rejected")
	}
	if reply.Verb != protocol.VerbUserID {
		return fmt.Errorf("beltpack: unexpected verb %q awaiting user_id", reply.Verb)
	}
	id, err := strconv.ParseUint(reply.Arg, 10, 32)
	if err != nil {
		return fmt.Errorf("beltpack: parse user_id: %w", err)
	}
	c.mu.Lock()
	c.userID = uint32(id)
	c.mu.Unlock()
	return nil
}

func (c *Client) bind(conn net.Conn) error {
	if err := protocol.WriteMessage(conn, protocol.SelectUser(c.profileName)); err != nil {
		return fmt.Errorf("beltpack: send SELECT_USER: %w", err)
	}
	body, err := protocol.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("beltpack: read bind reply: %w", err)
	}
	msg := protocol.Parse(body)
	switch msg.Verb {
	case protocol.VerbConfig:
		return c.applyConfig(msg.Arg)
	case protocol.VerbError:
		return fmt.Errorf("beltpack: bind rejected: %s", msg.Arg)
	default:
		return fmt.Errorf("beltpack: unexpected verb %q awaiting bind reply", msg.Verb)
	}
}

// applyConfig parses a CONFIG/UPDATE_CONFIG payload and rebuilds the slot
// table, preserving each slot's previously-set local volume (a config push
// never carries volume; it is purely client-local state from the rotary
// encoder).
func (c *Client) applyConfig(raw string) error {
	payload, err := protocol.UnmarshalConfigPayload(raw)
	if err != nil {
		return fmt.Errorf("beltpack: parse config payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var next [config.MaxUserChannels]*SlotState
	for slotStr, modeStr := range payload.ButtonModes {
		slot, err := strconv.Atoi(slotStr)
		if err != nil || slot < 0 || slot >= config.MaxUserChannels {
			continue
		}
		mode := config.ModeLatch
		if modeStr == "non-latch" {
			mode = config.ModeMomentary
		}
		next[slot] = &SlotState{Mode: mode, Volume: 1.0}

		chIDStr, ok := payload.ChannelBySlot[slotStr]
		if !ok {
			continue
		}
		if id, err := strconv.Atoi(chIDStr); err == nil {
			next[slot].ChannelID = id
			next[slot].Name = payload.Channels[chIDStr]
		}
	}

	for i := range next {
		if next[i] != nil && c.slots[i] != nil {
			next[i].Volume = c.slots[i].Volume
		}
	}
	c.slots = next
	c.bound = true
	return nil
}

// readLoop consumes server-pushed messages (UPDATE_CONFIG, FLASH_PACK,
// PONG) until the connection errors out.
func (c *Client) readLoop(conn net.Conn) error {
	for {
		body, err := protocol.ReadMessage(conn)
		if err != nil {
			return fmt.Errorf("beltpack: connection closed: %w", err)
		}
		msg := protocol.Parse(body)
		switch msg.Verb {
		case protocol.VerbUpdateConfig:
			if err := c.applyConfig(msg.Arg); err != nil {
				c.logger.Warn("failed to apply pushed config", "err", err)
			}
		case protocol.VerbFlashPack:
			c.logger.Info("identify requested by operator")
		case protocol.VerbPong:
		default:
			c.logger.Debug("unhandled server message", "verb", msg.Verb)
		}
	}
}

// ToggleTalk sends TOGGLE_TALK for the channel bound to slot over the
// current connection, if one is established.
func (c *Client) ToggleTalk(slot int, on bool) error {
	c.mu.Lock()
	conn := c.conn
	var channel int
	if slot >= 0 && slot < len(c.slots) && c.slots[slot] != nil {
		channel = c.slots[slot].ChannelID
	} else {
		c.mu.Unlock()
		return fmt.Errorf("beltpack: slot %d is empty", slot)
	}
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("beltpack: no active control connection")
	}
	return protocol.WriteMessage(conn, protocol.ToggleTalk(channel, on))
}

// Slots returns a defensive copy of the current slot table.
func (c *Client) Slots() [config.MaxUserChannels]*SlotState {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [config.MaxUserChannels]*SlotState
	for i, s := range c.slots {
		if s != nil {
			cp := *s
			out[i] = &cp
		}
	}
	return out
}

// SetVolume updates slot's local playback volume, clamped to [0,1].
func (c *Client) SetVolume(slot int, v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot < 0 || slot >= len(c.slots) || c.slots[slot] == nil {
		return
	}
	c.slots[slot].Volume = v
}

// UserID returns the session's assigned id, valid once a handshake has
// completed.
func (c *Client) UserID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Bound reports whether the profile bind has completed.
func (c *Client) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound
}
