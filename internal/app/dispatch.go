package app

import (
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/jxt1009/toperparty/internal/protocol"
	"github.com/jxt1009/toperparty/internal/syncer"
	"github.com/rs/zerolog/log"
)

// dispatch decodes one frame and routes it by variant. Anything not meant for
// this session is dropped with a log line.
func (r *run) dispatch(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "party.dispatch").Msg("malformed frame dropped")
		return
	}

	st := r.sess.Snapshot()
	if !st.Active {
		return
	}
	h := msg.Envelope()
	from := domain.UserID(h.Sender())
	logger := log.With().Str("module", "party.dispatch").Str("type", string(msg.Kind())).Str("from", string(from)).Logger()

	switch {
	case from == "":
		logger.Warn().Msg("frame without sender dropped")
		return
	case from == st.LocalID:
		return
	case h.RoomID != "" && domain.RoomID(h.RoomID) != st.RoomID:
		logger.Debug().Str("room", h.RoomID).Msg("foreign room dropped")
		return
	case h.To != "" && domain.UserID(h.To) != st.LocalID:
		return
	}

	ctx := r.sess.Context()
	switch m := msg.(type) {
	case *protocol.Join:
		r.mesh.HandleJoin(from)
	case *protocol.Leave:
		r.mesh.HandleLeave(from)
	case *protocol.Offer:
		r.mesh.HandleOffer(from, m.Offer)
	case *protocol.Answer:
		r.mesh.HandleAnswer(from, m.Answer)
	case *protocol.ICECandidate:
		r.mesh.HandleCandidate(from, m.Candidate)
	case *protocol.PlayPause, *protocol.Seek:
		if cmd, ok := syncer.CommandFromMessage(msg); ok {
			r.coord.ApplyRemote(ctx, cmd)
		}
	case *protocol.SyncTime:
		outcome := r.drift.HandlePassiveSync(ctx, m)
		logger.Debug().Str("outcome", outcome.String()).Msg("passive sync")
	case *protocol.Unrecognized:
		logger.Warn().Msg("unrecognized message dropped")
	}
}
