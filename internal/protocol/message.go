package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Verb identifies a control protocol message type (spec §4.4).
type Verb string

const (
	VerbAuthChallenge Verb = "AUTH_CHALLENGE"
	VerbAuthResponse  Verb = "AUTH_RESPONSE"
	VerbUserID        Verb = "USER_ID"
	VerbAuthFail      Verb = "AUTH_FAIL"
	VerbGetUsers      Verb = "GET_USERS"
	VerbUsers         Verb = "USERS"
	VerbSelectUser    Verb = "SELECT_USER"
	VerbAssignUser    Verb = "ASSIGN_USER"
	VerbConfig        Verb = "CONFIG"
	VerbError         Verb = "ERROR"
	VerbToggleTalk    Verb = "TOGGLE_TALK"
	VerbSetUDP        Verb = "SET_UDP"
	VerbUDPOk         Verb = "UDP_OK"
	VerbUDPFail       Verb = "UDP_FAIL"
	VerbPing          Verb = "PING"
	VerbPong          Verb = "PONG"
	VerbFlashPack     Verb = "FLASH_PACK"
	VerbUpdateConfig  Verb = "UPDATE_CONFIG"
)

// ErrMaxUsersReached is the ERROR argument sent when the fleet is full
// (spec §4.4, §7).
const ErrMaxUsersReached = "MAX_USERS_REACHED"

// Message is a parsed VERB[:ARG] line. Arg is everything after the first
// colon, unsplit — verb-specific helpers below further decompose it, so
// that a JSON argument's own colons are never mistaken for field
// separators.
type Message struct {
	Verb Verb
	Arg  string
}

// Parse splits a decoded frame body into its verb and raw argument.
func Parse(body string) Message {
	idx := strings.IndexByte(body, ':')
	if idx < 0 {
		return Message{Verb: Verb(body)}
	}
	return Message{Verb: Verb(body[:idx]), Arg: body[idx+1:]}
}

// String renders the message back to wire form.
func (m Message) String() string {
	if m.Arg == "" {
		return string(m.Verb)
	}
	return string(m.Verb) + ":" + m.Arg
}

// Simple no-argument / single-argument builders.

func AuthChallenge(nonceHex string) string { return Message{Verb: VerbAuthChallenge, Arg: nonceHex}.String() }
func AuthResponse(hexDigest string) string { return Message{Verb: VerbAuthResponse, Arg: hexDigest}.String() }
func UserID(id uint32) string              { return Message{Verb: VerbUserID, Arg: strconv.FormatUint(uint64(id), 10)}.String() }
func AuthFail() string                     { return string(VerbAuthFail) }
func GetUsers() string                     { return string(VerbGetUsers) }
func Users(names []string) string          { return Message{Verb: VerbUsers, Arg: strings.Join(names, ",")}.String() }
func SelectUser(profile string) string     { return Message{Verb: VerbSelectUser, Arg: profile}.String() }
func AssignUser(profile string) string     { return Message{Verb: VerbAssignUser, Arg: profile}.String() }
func Config(json string) string            { return Message{Verb: VerbConfig, Arg: json}.String() }
func UpdateConfig(json string) string      { return Message{Verb: VerbUpdateConfig, Arg: json}.String() }
func Error(reason string) string {
	if reason == "" {
		return string(VerbError)
	}
	return Message{Verb: VerbError, Arg: reason}.String()
}
func SetUDP(port int) string { return Message{Verb: VerbSetUDP, Arg: strconv.Itoa(port)}.String() }
func UDPOk() string          { return string(VerbUDPOk) }
func UDPFail() string        { return string(VerbUDPFail) }
func Ping() string           { return string(VerbPing) }
func Pong() string           { return string(VerbPong) }
func FlashPack() string      { return string(VerbFlashPack) }

// ToggleTalk builds the "TOGGLE_TALK:channel:0|1" message.
func ToggleTalk(channel int, on bool) string {
	flag := 0
	if on {
		flag = 1
	}
	return fmt.Sprintf("%s:%d:%d", VerbToggleTalk, channel, flag)
}

// ParseToggleTalk decomposes a TOGGLE_TALK message's argument into a
// channel id and talk flag.
func ParseToggleTalk(arg string) (channel int, on bool, err error) {
	parts := strings.SplitN(arg, ":", 2)
	if len(parts) != 2 {
		return 0, false, fmt.Errorf("protocol: malformed TOGGLE_TALK argument %q", arg)
	}
	channel, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, false, fmt.Errorf("protocol: bad channel in TOGGLE_TALK: %w", err)
	}
	flag, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false, fmt.Errorf("protocol: bad flag in TOGGLE_TALK: %w", err)
	}
	return channel, flag != 0, nil
}

// ParseSetUDP extracts the port from a SET_UDP message's argument.
func ParseSetUDP(arg string) (port int, err error) {
	port, err = strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("protocol: bad port in SET_UDP: %w", err)
	}
	return port, nil
}

// ParseUsers splits a USERS message's comma-separated argument back into
// profile names. An empty argument yields an empty (non-nil) slice.
func ParseUsers(arg string) []string {
	if arg == "" {
		return []string{}
	}
	return strings.Split(arg, ",")
}

// ConfigPayload is the JSON shape CONFIG and UPDATE_CONFIG carry
// (spec §4.4): enabled channels by id, button modes by slot index, and
// (an addition spec.md's sample payload leaves implicit) which channel id
// occupies each slot — without it, a beltpack with more than one assigned
// slot has no way to recover which physical button controls which channel.
type ConfigPayload struct {
	Channels      map[string]string `json:"channels"`
	ButtonModes   map[string]string `json:"button_modes"`
	ChannelBySlot map[string]string `json:"channel_by_slot"`
}

// MarshalConfigPayload renders a ConfigPayload to its JSON wire form.
func MarshalConfigPayload(p ConfigPayload) (string, error) {
	if p.Channels == nil {
		p.Channels = map[string]string{}
	}
	if p.ButtonModes == nil {
		p.ButtonModes = map[string]string{}
	}
	if p.ChannelBySlot == nil {
		p.ChannelBySlot = map[string]string{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("protocol: marshal config payload: %w", err)
	}
	return string(b), nil
}

// UnmarshalConfigPayload parses a CONFIG/UPDATE_CONFIG JSON argument.
func UnmarshalConfigPayload(raw string) (ConfigPayload, error) {
	var p ConfigPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return ConfigPayload{}, fmt.Errorf("protocol: unmarshal config payload: %w", err)
	}
	return p, nil
}
