package protocol

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// Signaling messages are the JSON a browser produces for
// RTCSessionDescription and RTCIceCandidate, so a web page and the CLI
// client negotiate the same way. bye and error are additions a browser
// ignores.
const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
	TypeBye    = "bye"
	TypeError  = "error"
)

// ChannelLabel names the test data channel. It is opened unordered with
// no retransmissions.
const ChannelLabel = "dataChannel"

// Message is the envelope for every signaling message. A description
// carries Type and SDP, a candidate carries Candidate and its media
// identifiers.
type Message struct {
	Type string `json:"type,omitempty"`
	SDP  string `json:"sdp,omitempty"`

	Candidate        string  `json:"candidate,omitempty"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (m Message) IsCandidate() bool {
	return m.Candidate != ""
}

func (m Message) IsDescription() bool {
	return m.SDP != "" && (m.Type == TypeOffer || m.Type == TypeAnswer)
}

func (m Message) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(m.Type), SDP: m.SDP}
}

func (m Message) CandidateInit() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        m.Candidate,
		SDPMid:           m.SDPMid,
		SDPMLineIndex:    m.SDPMLineIndex,
		UsernameFragment: m.UsernameFragment,
	}
}

func DescriptionMessage(desc webrtc.SessionDescription) Message {
	return Message{Type: desc.Type.String(), SDP: desc.SDP}
}

func CandidateMessage(cand webrtc.ICECandidateInit) Message {
	return Message{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	}
}

func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func ParseMessage(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
