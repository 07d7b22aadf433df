// Package protocol defines the binary frames exchanged between editors and the relay.
//
// Every WebSocket message carries exactly one frame. Sync frames move document
// operations: step 1 carries a state vector, step 2 the operations the sender of
// step 1 is missing, update frames carry live edits. Awareness frames carry
// presence entries.
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type MessageType uint64

const (
	MessageSync           MessageType = 0
	MessageAwareness      MessageType = 1
	MessageQueryAwareness MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	case MessageQueryAwareness:
		return "query_awareness"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

type SyncStep uint64

const (
	SyncStep1  SyncStep = 0
	SyncStep2  SyncStep = 1
	SyncUpdate SyncStep = 2
)

func (s SyncStep) String() string {
	switch s {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(s))
	}
}

var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Frame is one protocol message.
type Frame struct {
	Type    MessageType
	Step    SyncStep
	Payload []byte
}

const (
	fieldType    = 1
	fieldStep    = 2
	fieldPayload = 3
)

// Encode returns the wire form of the frame.
func (f Frame) Encode() []byte {
	b := make([]byte, 0, len(f.Payload)+8)
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	if f.Type == MessageSync {
		b = protowire.AppendTag(b, fieldStep, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Step))
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	return b
}

// DecodeFrame parses a frame. Unknown fields are skipped.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Type = MessageType(v)
			b = b[n:]
		case num == fieldStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Step = SyncStep(v)
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}

func Step1(stateVector []byte) Frame {
	return Frame{Type: MessageSync, Step: SyncStep1, Payload: stateVector}
}

func Step2(update []byte) Frame {
	return Frame{Type: MessageSync, Step: SyncStep2, Payload: update}
}

func Update(update []byte) Frame {
	return Frame{Type: MessageSync, Step: SyncUpdate, Payload: update}
}

func AwarenessFrame(payload []byte) Frame {
	return Frame{Type: MessageAwareness, Payload: payload}
}

func QueryAwareness() Frame {
	return Frame{Type: MessageQueryAwareness}
}
