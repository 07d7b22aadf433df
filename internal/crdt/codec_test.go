package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateCarriesEveryOpKind(t *testing.T) {
	d := NewDoc(7)
	require.NoError(t, d.Transact(OriginLocal, func(tx *Transaction) error {
		if err := tx.Insert(0, "hé", Marks{MarkItalic: "true"}); err != nil {
			return err
		}
		if err := tx.Format(0, 1, MarkAuthor, "#dc2626"); err != nil {
			return err
		}
		return tx.Delete(1, 1)
	}))

	ops, err := DecodeUpdate(d.EncodeStateAsUpdate(nil))
	require.NoError(t, err)
	require.Len(t, ops, 4)

	assert.Equal(t, OpInsert, ops[0].Kind)
	assert.Equal(t, "h", ops[0].Content)
	assert.Nil(t, ops[0].Origin)
	assert.Equal(t, Marks{MarkItalic: "true"}, ops[0].Marks)

	assert.Equal(t, "é", ops[1].Content)
	require.NotNil(t, ops[1].Origin)
	assert.Equal(t, ID{Client: 7, Clock: 0}, *ops[1].Origin)

	assert.Equal(t, OpFormat, ops[2].Kind)
	assert.Equal(t, MarkAuthor, ops[2].Key)
	assert.Equal(t, "#dc2626", ops[2].Value)

	assert.Equal(t, OpDelete, ops[3].Kind)
	assert.Equal(t, ID{Client: 7, Clock: 1}, ops[3].Target)
	assert.Equal(t, uint64(4), ops[3].Lamport)
}

func TestStateVectorEncoding(t *testing.T) {
	sv := StateVector{3: 10, 1: 2}
	decoded, err := DecodeStateVector(EncodeStateVector(sv))
	require.NoError(t, err)
	assert.Equal(t, sv, decoded)

	empty, err := DecodeStateVector(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := DecodeUpdate(encodeOps([]Op{{Kind: 9, ID: ID{Client: 1}}}))
	assert.ErrorIs(t, err, ErrMalformed)
}
