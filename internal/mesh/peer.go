package mesh

import (
	"context"

	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/pion/webrtc/v4"
)

// DescriptorState is the offer/answer progress of one peer link.
type DescriptorState int

const (
	StateNew DescriptorState = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateClosed
)

func (s DescriptorState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// hasRemoteDescription reports whether candidates can be applied directly.
func (s DescriptorState) hasRemoteDescription() bool {
	return s == StateHaveRemoteOffer || s == StateStable
}

// peerLink is one connection object for a remote participant. A reconnect
// replaces the whole link; callbacks from a replaced link are ignored.
type peerLink struct {
	id      domain.UserID
	conn    core.MediaConnection
	state   DescriptorState
	pending []webrtc.ICECandidateInit
	cancel  context.CancelFunc
}

// PeerInfo is a read-only view of a peer link for status reporting.
type PeerInfo struct {
	ID       domain.UserID `json:"id"`
	State    string        `json:"state"`
	Attempts int           `json:"reconnect_attempts"`
}
