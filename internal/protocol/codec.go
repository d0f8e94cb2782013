package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed message")

// Decode parses a relay frame. Malformed JSON and invalid payloads of known
// types return ErrMalformed; unknown types return *Unrecognized.
func Decode(data []byte) (Message, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var m Message
	switch h.Type {
	case TypeJoin:
		m = &Join{}
	case TypeLeave:
		m = &Leave{}
	case TypeOffer:
		m = &Offer{}
	case TypeAnswer:
		m = &Answer{}
	case TypeICECandidate:
		m = &ICECandidate{}
	case TypePlayPause:
		m = &PlayPause{}
	case TypeSeek:
		m = &Seek{}
	case TypeSyncTime:
		m = &SyncTime{}
	default:
		return &Unrecognized{Header: h, Raw: append(json.RawMessage(nil), data...)}, nil
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, h.Type, err)
	}
	if err := validate(m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, h.Type, err)
	}
	return m, nil
}

// Encode stamps the variant's type into the header and marshals it.
func Encode(m Message) ([]byte, error) {
	if _, ok := m.(*Unrecognized); ok {
		return nil, errors.New("cannot encode unrecognized message")
	}
	m.Envelope().Type = m.Kind()
	return json.Marshal(m)
}

func validate(m Message) error {
	switch v := m.(type) {
	case *Offer:
		if v.Offer.SDP == "" {
			return errors.New("empty offer sdp")
		}
	case *Answer:
		if v.Answer.SDP == "" {
			return errors.New("empty answer sdp")
		}
	case *ICECandidate:
		if v.Candidate.Candidate == "" {
			return errors.New("empty candidate")
		}
	case *PlayPause:
		if v.Control != ControlPlay && v.Control != ControlPause {
			return fmt.Errorf("unknown control %q", v.Control)
		}
		if v.CurrentTime < 0 {
			return errors.New("negative currentTime")
		}
	case *Seek:
		if v.CurrentTime < 0 {
			return errors.New("negative currentTime")
		}
	case *SyncTime:
		if v.CurrentTime < 0 {
			return errors.New("negative currentTime")
		}
		if v.Timestamp == 0 {
			return errors.New("missing timestamp")
		}
	}
	return nil
}
