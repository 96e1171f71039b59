// Package protocol defines the sync-core wire protocol: the tagged union of
// messages exchanged over both stream transports, and the discovery
// announcement message exchanged over multicast.
//
// Encoding is MessagePack, using tinylib/msgp's hand-callable append/read
// helpers directly (no code generation) — a compact binary encoding with
// variable-length integers and length-prefixed byte strings.
package protocol

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// Kind discriminates the tagged union transmitted between two replicas.
type Kind uint8

const (
	KindDeltaChange Kind = iota
	KindState
	KindRequestState
	KindAnnounce
	KindAlive
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindDeltaChange:
		return "DeltaChange"
	case KindState:
		return "State"
	case KindRequestState:
		return "RequestState"
	case KindAnnounce:
		return "Announce"
	case KindAlive:
		return "Alive"
	case KindShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is one entry of the sync-core tagged union. Exactly one of Bytes
// (DeltaChange/State/Announce) or RequestTarget (RequestState) is
// meaningful; Alive and Shutdown carry only the Kind.
type Message struct {
	Kind          Kind
	Bytes         []byte
	RequestTarget uint32
}

// DeltaChange wraps an incremental CRDT change set.
func DeltaChange(delta []byte) Message { return Message{Kind: KindDeltaChange, Bytes: delta} }

// State wraps a full CRDT snapshot.
func State(snapshot []byte) Message { return Message{Kind: KindState, Bytes: snapshot} }

// RequestState asks target to reply with its full State.
func RequestState(target uint32) Message { return Message{Kind: KindRequestState, RequestTarget: target} }

// Announce wraps a full CRDT snapshot sent unsolicited on first contact.
func Announce(snapshot []byte) Message { return Message{Kind: KindAnnounce, Bytes: snapshot} }

// Alive carries no payload; receipt alone refreshes the sender's alive entry.
func Alive() Message { return Message{Kind: KindAlive} }

// Shutdown announces the sender is leaving.
func Shutdown() Message { return Message{Kind: KindShutdown} }

// Encode serialises m as MessagePack: a 1-byte kind tag, followed by the
// kind-specific payload.
func Encode(m Message) []byte {
	var buf []byte
	buf = msgp.AppendUint8(buf, uint8(m.Kind))
	switch m.Kind {
	case KindDeltaChange, KindState, KindAnnounce:
		buf = msgp.AppendBytes(buf, m.Bytes)
	case KindRequestState:
		buf = msgp.AppendUint32(buf, m.RequestTarget)
	case KindAlive, KindShutdown:
		// no payload
	}
	return buf
}

// Decode parses a Message previously produced by Encode.
func Decode(buf []byte) (Message, error) {
	tag, buf, err := msgp.ReadUint8Bytes(buf)
	if err != nil {
		return Message{}, fmt.Errorf("protocol: read kind tag: %w", err)
	}
	kind := Kind(tag)

	var m Message
	m.Kind = kind
	switch kind {
	case KindDeltaChange, KindState, KindAnnounce:
		body, _, err := msgp.ReadBytesZC(buf)
		if err != nil {
			return Message{}, fmt.Errorf("protocol: read %s payload: %w", kind, err)
		}
		m.Bytes = append([]byte(nil), body...)
	case KindRequestState:
		target, _, err := msgp.ReadUint32Bytes(buf)
		if err != nil {
			return Message{}, fmt.Errorf("protocol: read RequestState target: %w", err)
		}
		m.RequestTarget = target
	case KindAlive, KindShutdown:
		// no payload
	default:
		return Message{}, fmt.Errorf("protocol: unknown kind tag %d", tag)
	}
	return m, nil
}

// Announcement is the discovery-wire payload: just the sender's overlay
// public identity, nothing else.
type Announcement struct {
	PublicKey [32]byte
}

// EncodeAnnouncement serialises an Announcement as MessagePack bytes.
func EncodeAnnouncement(a Announcement) []byte {
	var buf []byte
	buf = msgp.AppendBytes(buf, a.PublicKey[:])
	return buf
}

// DecodeAnnouncement parses an Announcement previously produced by
// EncodeAnnouncement.
func DecodeAnnouncement(buf []byte) (Announcement, error) {
	body, _, err := msgp.ReadBytesZC(buf)
	if err != nil {
		return Announcement{}, fmt.Errorf("protocol: read announcement key: %w", err)
	}
	if len(body) != 32 {
		return Announcement{}, fmt.Errorf("protocol: announcement key is %d bytes, want 32", len(body))
	}
	var a Announcement
	copy(a.PublicKey[:], body)
	return a, nil
}
