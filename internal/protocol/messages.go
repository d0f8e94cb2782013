// Package protocol defines the signaling wire format exchanged through the
// relay. Messages form a closed set; anything else decodes to Unrecognized.
package protocol

import (
	"encoding/json"
	"math"
	"time"

	"github.com/pion/webrtc/v4"
)

type Type string

const (
	TypeJoin         Type = "JOIN"
	TypeLeave        Type = "LEAVE"
	TypeOffer        Type = "OFFER"
	TypeAnswer       Type = "ANSWER"
	TypeICECandidate Type = "ICE_CANDIDATE"
	TypePlayPause    Type = "PLAY_PAUSE"
	TypeSeek         Type = "SEEK"
	TypeSyncTime     Type = "SYNC_TIME"
)

// Control is the requested playback state of a PLAY_PAUSE message.
type Control string

const (
	ControlPlay  Control = "play"
	ControlPause Control = "pause"
)

// Header carries the session-scoped fields shared by every message.
// Timestamp is epoch milliseconds.
type Header struct {
	Type      Type   `json:"type"`
	UserID    string `json:"userId,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (h *Header) Envelope() *Header { return h }
func (h *Header) sealed()           {}

// Sender returns the originating user id.
func (h *Header) Sender() string {
	if h.From != "" {
		return h.From
	}
	return h.UserID
}

// Message is implemented only by the variants in this package.
type Message interface {
	Kind() Type
	Envelope() *Header
	sealed()
}

type Join struct {
	Header
}

type Leave struct {
	Header
}

type Offer struct {
	Header
	Offer webrtc.SessionDescription `json:"offer"`
}

type Answer struct {
	Header
	Answer webrtc.SessionDescription `json:"answer"`
}

type ICECandidate struct {
	Header
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type PlayPause struct {
	Header
	Control     Control `json:"control"`
	CurrentTime float64 `json:"currentTime"`
}

type Seek struct {
	Header
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
}

type SyncTime struct {
	Header
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
}

// Unrecognized holds a well-formed frame whose type is not part of the protocol.
type Unrecognized struct {
	Header
	Raw json.RawMessage `json:"-"`
}

func (*Join) Kind() Type         { return TypeJoin }
func (*Leave) Kind() Type        { return TypeLeave }
func (*Offer) Kind() Type        { return TypeOffer }
func (*Answer) Kind() Type       { return TypeAnswer }
func (*ICECandidate) Kind() Type { return TypeICECandidate }
func (*PlayPause) Kind() Type    { return TypePlayPause }
func (*Seek) Kind() Type         { return TypeSeek }
func (*SyncTime) Kind() Type     { return TypeSyncTime }
func (u *Unrecognized) Kind() Type {
	return u.Type
}

// Seconds converts a player position to the wire representation.
func Seconds(d time.Duration) float64 {
	return d.Seconds()
}

// Position converts wire seconds back to a player position.
func Position(seconds float64) time.Duration {
	return time.Duration(math.Round(seconds * float64(time.Second)))
}
