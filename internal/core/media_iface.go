package core

import (
	"context"

	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MediaConnection is one direct link to a remote participant.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	CreateAndSetOffer() (webrtc.SessionDescription, error)
	// ApplyOfferAndCreateAnswer sets the remote offer and returns the local answer.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// SetLocalTracks replaces the outgoing track of the same kind, or adds it.
	// It reports whether a track was added, which needs a fresh offer.
	SetLocalTracks(tracks []webrtc.TrackLocal) (renegotiate bool, err error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnStateChange sets a callback for peer connection state transitions.
	// The callback may close the connection.
	OnStateChange(func(webrtc.PeerConnectionState))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
}

type MediaConnectionFactory func(peer domain.UserID) (MediaConnection, error)
