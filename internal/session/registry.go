// Package session implements the Session Registry (spec §4.3): per-
// connected-client bookkeeping cross-indexed by user_id, with channel
// subscription/talk-state derived from the bound user profile.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/doismellburning/lancomm/internal/config"
)

// MaxUsers is the cap on distinct bound profiles the fleet accepts before
// SELECT_USER starts failing for profiles not already bound (spec §7).
const MaxUsers = 20

// IdleTimeout is the maximum silence before a session is considered dead
// (spec §3, §4.4).
const IdleTimeout = 30 * time.Second

var (
	// ErrMaxUsersReached is returned by Bind when the fleet already has
	// MaxUsers distinct bound profiles and profileName is not one of
	// them.
	ErrMaxUsersReached = errors.New("session: MAX_USERS_REACHED")
	// ErrUnknownProfile is returned by Bind for a profile absent from the
	// Config Store.
	ErrUnknownProfile = errors.New("session: unknown user profile")
	// ErrChannelNotSubscribed is returned by SetTalk for a channel the
	// session's bound profile does not include.
	ErrChannelNotSubscribed = errors.New("session: channel not in subscribed set")
)

// AudioMembership is the Audio store's interface for tracking per-channel
// listener/talker sets, kept behind its own lock per spec §5. The Registry
// calls into it on bind/talk/drop; it never calls back into the Registry.
type AudioMembership interface {
	SetListener(channel int, userID uint32, present bool)
	SetTalker(channel int, userID uint32, present bool)
	ClearUser(userID uint32)
}

// Session is a per-connected-client record (spec §3).
type Session struct {
	UserID      uint32
	BoundUser   string // "unbound" until SELECT_USER/ASSIGN_USER succeeds
	NodeAddr    net.Addr
	UDPReturn   *net.UDPAddr
	LastSeen    time.Time
	subscribed  map[int]bool
	talking     map[int]bool
	buttonModes map[int]config.ButtonMode
	slotChannel [config.MaxUserChannels]*int
}

// Subscribed reports the channel ids this session's bound profile
// includes (omitting empty slots and disabled channels).
func (s *Session) Subscribed() []int {
	out := make([]int, 0, len(s.subscribed))
	for id := range s.subscribed {
		out = append(out, id)
	}
	return out
}

// Talking reports the channels the session currently has keyed.
func (s *Session) Talking() []int {
	out := make([]int, 0, len(s.talking))
	for id := range s.talking {
		out = append(out, id)
	}
	return out
}

// ButtonMode returns the slot mode for a subscribed channel.
func (s *Session) ButtonMode(channel int) config.ButtonMode {
	return s.buttonModes[channel]
}

// SlotChannels returns, for each of the profile's MAX_USER_CHANNELS
// physical button positions, the subscribed channel id bound to it
// (nil where the slot is empty or its channel is currently disabled).
// Button and LED logic indexes by physical position, not by channel id, so
// this ordering must survive independent of subscribed's map iteration.
func (s *Session) SlotChannels() [config.MaxUserChannels]*int {
	return s.slotChannel
}

// Registry is the Session Registry (C3).
type Registry struct {
	mu         sync.Mutex
	cfg        *config.Store
	membership AudioMembership
	sessions   map[uint32]*Session
	nextUserID uint32
}

// NewRegistry constructs an empty Registry backed by cfg for profile
// lookups and membership for channel set bookkeeping.
func NewRegistry(cfg *config.Store, membership AudioMembership) *Registry {
	return &Registry{
		cfg:        cfg,
		membership: membership,
		sessions:   make(map[uint32]*Session),
	}
}

// Create allocates a new, unbound session for an accepted control
// connection. user_id is monotonically increasing and never reused during
// the Registry's lifetime.
func (r *Registry) Create(nodeAddr net.Addr) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Session{
		UserID:      r.nextUserID,
		BoundUser:   "unbound",
		NodeAddr:    nodeAddr,
		LastSeen:    time.Now(),
		subscribed:  make(map[int]bool),
		talking:     make(map[int]bool),
		buttonModes: make(map[int]config.ButtonMode),
	}
	r.nextUserID++
	r.sessions[s.UserID] = s
	return s
}

// Bind attaches session to profileName. Re-binding to the same profile is
// a no-op that still recomputes the subscription set (so a live config
// edit is picked up). Returns ErrMaxUsersReached when the fleet already
// has MaxUsers distinct bound profiles and profileName is new to it.
func (r *Registry) Bind(s *Session, profileName string) (channelIDs []int, modes map[int]config.ButtonMode, err error) {
	snap := r.cfg.Snapshot()
	profile, ok := snap.Users[profileName]
	if !ok {
		return nil, nil, ErrUnknownProfile
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if profileName != s.BoundUser {
		boundProfiles := make(map[string]bool)
		for _, other := range r.sessions {
			if other.BoundUser != "unbound" {
				boundProfiles[other.BoundUser] = true
			}
		}
		if len(boundProfiles) >= MaxUsers && !boundProfiles[profileName] {
			return nil, nil, ErrMaxUsersReached
		}
	}

	// Drop old membership before computing the new set, in case the
	// profile changed while bound.
	for ch := range s.subscribed {
		r.membership.SetListener(ch, s.UserID, false)
		if s.talking[ch] {
			r.membership.SetTalker(ch, s.UserID, false)
		}
	}

	s.BoundUser = profileName
	s.subscribed = make(map[int]bool)
	s.talking = make(map[int]bool)
	s.buttonModes = make(map[int]config.ButtonMode)
	s.slotChannel = [config.MaxUserChannels]*int{}

	for i, slot := range profile.Slots {
		if slot.Empty() {
			continue
		}
		id := *slot.ChannelID
		if !snap.Channels[id].Enabled {
			continue
		}
		s.subscribed[id] = true
		s.buttonModes[id] = slot.Mode
		chID := id
		s.slotChannel[i] = &chID
		r.membership.SetListener(id, s.UserID, true)
	}

	return s.Subscribed(), copyModes(s.buttonModes), nil
}

func copyModes(m map[int]config.ButtonMode) map[int]config.ButtonMode {
	out := make(map[int]config.ButtonMode, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SetUDP records the session's UDP return address from an explicit
// SET_UDP announcement: the connection's node host, with the announced
// port.
func (r *Registry) SetUDP(s *Session, port int) error {
	host, _, err := net.SplitHostPort(s.NodeAddr.String())
	if err != nil {
		return fmt.Errorf("session: parse node address: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("session: resolve udp addr: %w", err)
	}
	r.mu.Lock()
	s.UDPReturn = addr
	r.mu.Unlock()
	return nil
}

// LearnUDPSource caches the source address of a received upstream
// datagram as the session's UDP return address, catching clients that
// skipped SET_UDP (spec §4.5's secondary learning path).
func (r *Registry) LearnUDPSource(s *Session, addr *net.UDPAddr) {
	r.mu.Lock()
	s.UDPReturn = addr
	r.mu.Unlock()
}

// SetTalk keys or unkeys a talker on channel. Rejects channels not in the
// session's subscribed set.
func (r *Registry) SetTalk(s *Session, channel int, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !s.subscribed[channel] {
		return ErrChannelNotSubscribed
	}
	if on == s.talking[channel] {
		return nil
	}
	s.talking[channel] = on
	r.membership.SetTalker(channel, s.UserID, on)
	return nil
}

// Touch refreshes last_seen to now.
func (r *Registry) Touch(s *Session) {
	r.mu.Lock()
	s.LastSeen = time.Now()
	r.mu.Unlock()
}

// Drop removes the session from all membership sets and the registry's
// own index.
func (r *Registry) Drop(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.UserID)
	r.mu.Unlock()
	r.membership.ClearUser(s.UserID)
}

// ReapStale drops every session whose last_seen is older than IdleTimeout
// and returns the sessions it dropped.
func (r *Registry) ReapStale(now time.Time) []*Session {
	r.mu.Lock()
	var stale []*Session
	for _, s := range r.sessions {
		if now.Sub(s.LastSeen) > IdleTimeout {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		r.Drop(s)
	}
	return stale
}

// Get returns the session bound to the given user_id, if any.
func (r *Registry) Get(userID uint32) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Count returns the number of currently registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
