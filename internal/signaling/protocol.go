// Package signaling implements the client side of the rendezvous protocol:
// a TLS-protected, JSON, text-frame channel used to register a fingerprint
// and exchange offers with a peer before hole punching begins. The server
// side is an external collaborator; only the wire protocol is modeled here.
package signaling

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the flat JSON envelope exchanged over the
// signalling channel.
type MessageType string

const (
	TypeRegister     MessageType = "register"
	TypeRegisterAck  MessageType = "register_ack"
	TypeOffer        MessageType = "offer"
	TypeForwardOffer MessageType = "forward_offer"
	TypeOfferResp    MessageType = "offer_response"
	TypeKeepalive    MessageType = "keepalive"
	TypeError        MessageType = "error"
)

// MaxFrameBytes is the largest signalling frame the wire protocol allows.
const MaxFrameBytes = 4 * 1024

// Message is the single flat envelope every signalling frame decodes into.
// Unused fields for a given Type are left zero; omitempty keeps frames
// compact in either direction.
type Message struct {
	Type MessageType `json:"type"`

	Fingerprint       string `json:"fingerprint,omitempty"`
	TargetFingerprint string `json:"target_fingerprint,omitempty"`
	FromFingerprint   string `json:"from_fingerprint,omitempty"`

	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`

	ExternalIP   string `json:"external_ip,omitempty"`
	ExternalPort int    `json:"external_port,omitempty"`
	LocalIP      string `json:"local_ip,omitempty"`
	LocalPort    int    `json:"local_port,omitempty"`
	Nonce        uint64 `json:"nonce,omitempty"`
}

func newRegister(fingerprint string) Message {
	return Message{Type: TypeRegister, Fingerprint: fingerprint}
}

func newOffer(target, sender string, externalIP string, externalPort int, localIP string, localPort int, nonce uint64) Message {
	return Message{
		Type:              TypeOffer,
		TargetFingerprint: target,
		Fingerprint:       sender,
		ExternalIP:        externalIP,
		ExternalPort:      externalPort,
		LocalIP:           localIP,
		LocalPort:         localPort,
		Nonce:             nonce,
	}
}

func newKeepalive() Message {
	return Message{Type: TypeKeepalive}
}

// encode marshals m, enforcing the signalling frame size bound.
func encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("signaling: marshal message: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("signaling: message exceeds %d bytes", MaxFrameBytes)
	}
	return data, nil
}

// decode unmarshals a single JSON frame. Unrecognized Type values are left
// for the caller to ignore per §4.A; this just parses the envelope shape.
func decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("signaling: decode message: %w", err)
	}
	return m, nil
}
