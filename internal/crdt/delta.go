package crdt

import (
	"fmt"
	"unicode/utf8"
)

// DeltaOp is one step of a rich-text delta. Exactly one of Retain, Insert or Delete is set.
// Attributes on an insert are the marks of the inserted text; omitted attributes inherit
// the neighbour's marks. Attributes on a retain format the retained span, with an empty
// value removing a mark.
type DeltaOp struct {
	Retain     int    `json:"retain,omitempty"`
	Insert     string `json:"insert,omitempty"`
	Delete     int    `json:"delete,omitempty"`
	Attributes Marks  `json:"attributes,omitempty"`
}

// Delta is an editor change expressed as a walk over the document.
type Delta []DeltaOp

// Apply runs the delta inside tx starting at position zero.
func (delta Delta) Apply(tx *Transaction) error {
	pos := 0
	for i, op := range delta {
		switch {
		case op.Insert != "":
			if err := tx.Insert(pos, op.Insert, op.Attributes); err != nil {
				return fmt.Errorf("delta op %d: %w", i, err)
			}
			pos += utf8.RuneCountInString(op.Insert)
		case op.Delete > 0:
			if err := tx.Delete(pos, op.Delete); err != nil {
				return fmt.Errorf("delta op %d: %w", i, err)
			}
		case op.Retain > 0:
			if pos+op.Retain > tx.Len() {
				return fmt.Errorf("delta op %d: %w", i, ErrOutOfRange)
			}
			for key, value := range op.Attributes {
				if err := tx.Format(pos, op.Retain, key, value); err != nil {
					return fmt.Errorf("delta op %d: %w", i, err)
				}
			}
			pos += op.Retain
		default:
			return fmt.Errorf("delta op %d: empty operation", i)
		}
	}
	return nil
}

// ApplyDelta applies delta as a single transaction.
func (d *Doc) ApplyDelta(origin Origin, delta Delta) error {
	return d.Transact(origin, delta.Apply)
}
