package crdt

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout, protobuf compatible:
//
//	Update      { repeated Op ops = 1; }
//	Op          { kind = 1; client = 2; clock = 3; lamport = 4; ID origin = 5;
//	              content = 6; repeated Mark marks = 7; ID target = 8; key = 9; value = 10; }
//	ID          { client = 1; clock = 2; }
//	Mark        { key = 1; value = 2; }
//	StateVector { repeated ID clocks = 1; }
const (
	fieldUpdateOps = 1

	fieldOpKind    = 1
	fieldOpClient  = 2
	fieldOpClock   = 3
	fieldOpLamport = 4
	fieldOpOrigin  = 5
	fieldOpContent = 6
	fieldOpMarks   = 7
	fieldOpTarget  = 8
	fieldOpKey     = 9
	fieldOpValue   = 10

	fieldIDClient = 1
	fieldIDClock  = 2

	fieldMarkKey   = 1
	fieldMarkValue = 2
)

func encodeOps(ops []Op) []byte {
	var b []byte
	for _, op := range ops {
		b = protowire.AppendTag(b, fieldUpdateOps, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOp(op))
	}
	return b
}

func encodeOp(op Op) []byte {
	var b []byte
	b = appendVarint(b, fieldOpKind, uint64(op.Kind))
	b = appendVarint(b, fieldOpClient, uint64(op.ID.Client))
	b = appendVarint(b, fieldOpClock, op.ID.Clock)
	b = appendVarint(b, fieldOpLamport, op.Lamport)
	switch op.Kind {
	case OpInsert:
		if op.Origin != nil {
			b = protowire.AppendTag(b, fieldOpOrigin, protowire.BytesType)
			b = protowire.AppendBytes(b, encodeID(*op.Origin))
		}
		b = protowire.AppendTag(b, fieldOpContent, protowire.BytesType)
		b = protowire.AppendString(b, op.Content)
		keys := make([]string, 0, len(op.Marks))
		for k := range op.Marks {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			var m []byte
			m = protowire.AppendTag(m, fieldMarkKey, protowire.BytesType)
			m = protowire.AppendString(m, k)
			m = protowire.AppendTag(m, fieldMarkValue, protowire.BytesType)
			m = protowire.AppendString(m, op.Marks[k])
			b = protowire.AppendTag(b, fieldOpMarks, protowire.BytesType)
			b = protowire.AppendBytes(b, m)
		}
	case OpDelete, OpFormat:
		b = protowire.AppendTag(b, fieldOpTarget, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeID(op.Target))
		if op.Kind == OpFormat {
			b = protowire.AppendTag(b, fieldOpKey, protowire.BytesType)
			b = protowire.AppendString(b, op.Key)
			b = protowire.AppendTag(b, fieldOpValue, protowire.BytesType)
			b = protowire.AppendString(b, op.Value)
		}
	}
	return b
}

func encodeID(id ID) []byte {
	var b []byte
	b = appendVarint(b, fieldIDClient, uint64(id.Client))
	b = appendVarint(b, fieldIDClock, id.Clock)
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// walkFields calls fn for every field of a protobuf message. fn receives the raw
// varint for varint fields and the payload for length-delimited ones; other wire
// types are skipped.
func walkFields(b []byte, fn func(num protowire.Number, v uint64, payload []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, 0, v); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func decodeOps(b []byte) ([]Op, error) {
	var ops []Op
	err := walkFields(b, func(num protowire.Number, _ uint64, payload []byte) error {
		if num != fieldUpdateOps || payload == nil {
			return nil
		}
		op, err := decodeOp(payload)
		if err != nil {
			return err
		}
		ops = append(ops, op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func decodeOp(b []byte) (Op, error) {
	var op Op
	err := walkFields(b, func(num protowire.Number, v uint64, payload []byte) error {
		switch num {
		case fieldOpKind:
			op.Kind = OpKind(v)
		case fieldOpClient:
			op.ID.Client = ClientID(v)
		case fieldOpClock:
			op.ID.Clock = v
		case fieldOpLamport:
			op.Lamport = v
		case fieldOpOrigin:
			id, err := decodeID(payload)
			if err != nil {
				return err
			}
			op.Origin = &id
		case fieldOpContent:
			op.Content = string(payload)
		case fieldOpMarks:
			var key, value string
			if err := walkFields(payload, func(num protowire.Number, _ uint64, p []byte) error {
				switch num {
				case fieldMarkKey:
					key = string(p)
				case fieldMarkValue:
					value = string(p)
				}
				return nil
			}); err != nil {
				return err
			}
			if op.Marks == nil {
				op.Marks = make(Marks)
			}
			op.Marks[key] = value
		case fieldOpTarget:
			id, err := decodeID(payload)
			if err != nil {
				return err
			}
			op.Target = id
		case fieldOpKey:
			op.Key = string(payload)
		case fieldOpValue:
			op.Value = string(payload)
		}
		return nil
	})
	if err != nil {
		return Op{}, err
	}
	switch op.Kind {
	case OpInsert:
		if op.Content == "" {
			return Op{}, fmt.Errorf("%w: insert %s without content", ErrMalformed, op.ID)
		}
	case OpDelete, OpFormat:
	default:
		return Op{}, fmt.Errorf("%w: unknown op kind %d", ErrMalformed, op.Kind)
	}
	return op, nil
}

func decodeID(b []byte) (ID, error) {
	var id ID
	err := walkFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case fieldIDClient:
			id.Client = ClientID(v)
		case fieldIDClock:
			id.Clock = v
		}
		return nil
	})
	return id, err
}

// EncodeStateVector returns the wire form of sv.
func EncodeStateVector(sv StateVector) []byte {
	var b []byte
	for _, client := range sv.clients() {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeID(ID{Client: client, Clock: sv[client]}))
	}
	return b
}

// DecodeStateVector parses the wire form produced by EncodeStateVector.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := make(StateVector)
	err := walkFields(b, func(num protowire.Number, _ uint64, payload []byte) error {
		if num != 1 {
			return nil
		}
		id, err := decodeID(payload)
		if err != nil {
			return err
		}
		sv[id.Client] = id.Clock
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sv, nil
}

// DecodeUpdate parses an update into its operations.
func DecodeUpdate(update []byte) ([]Op, error) {
	return decodeOps(update)
}
