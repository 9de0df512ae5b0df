// Package codec implements the fixed-width big-endian integer encoding used
// for book keys and values. A resting order's sort key is the 16-byte
// concatenation of a signed price and its id; its value is the 16-byte
// concatenation of remaining quantity and account id.
package codec

import (
	"encoding/binary"
	"fmt"
)

// Int64Width is the encoded width of a single signed 64-bit integer.
const Int64Width = 8

// KeyWidth is the width of a composite sort key: price||id.
const KeyWidth = 2 * Int64Width

// ValueWidth is the width of a resting-order value: qty||account_id.
const ValueWidth = 2 * Int64Width

// EncodeInt64 writes v as an 8-byte two's-complement big-endian value.
func EncodeInt64(v int64) [Int64Width]byte {
	var b [Int64Width]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b
}

// DecodeInt64 reads an 8-byte two's-complement big-endian value.
func DecodeInt64(b []byte) (int64, error) {
	if len(b) != Int64Width {
		return 0, fmt.Errorf("codec: decode int64: want %d bytes, got %d", Int64Width, len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// SignedPrice returns the price term used in a sort key: negated for the bid
// side (so descending price sorts ascending by byte order) and unchanged for
// the ask side.
func SignedPrice(side Side, price int64) int64 {
	if side == Bid {
		return -price
	}
	return price
}

// Side is a book side.
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// OppositeSide flips a side.
func OppositeSide(s Side) Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// EncodeKey builds the 16-byte sort key price||id for a resting order.
// price must already be the signed value (see SignedPrice).
func EncodeKey(signedPrice, id int64) []byte {
	out := make([]byte, KeyWidth)
	p := EncodeInt64(signedPrice)
	i := EncodeInt64(id)
	copy(out[0:Int64Width], p[:])
	copy(out[Int64Width:KeyWidth], i[:])
	return out
}

// DecodeKey splits a 16-byte sort key back into its signed price and id.
func DecodeKey(key []byte) (signedPrice, id int64, err error) {
	if len(key) != KeyWidth {
		return 0, 0, fmt.Errorf("codec: decode key: want %d bytes, got %d", KeyWidth, len(key))
	}
	signedPrice, err = DecodeInt64(key[0:Int64Width])
	if err != nil {
		return 0, 0, err
	}
	id, err = DecodeInt64(key[Int64Width:KeyWidth])
	if err != nil {
		return 0, 0, err
	}
	return signedPrice, id, nil
}

// EncodeValue builds the 16-byte value qty||account_id for a resting order.
func EncodeValue(qty, accountID int64) []byte {
	out := make([]byte, ValueWidth)
	q := EncodeInt64(qty)
	a := EncodeInt64(accountID)
	copy(out[0:Int64Width], q[:])
	copy(out[Int64Width:ValueWidth], a[:])
	return out
}

// DecodeValue splits a 16-byte value back into remaining quantity and account id.
func DecodeValue(value []byte) (qty, accountID int64, err error) {
	if len(value) != ValueWidth {
		return 0, 0, fmt.Errorf("codec: decode value: want %d bytes, got %d", ValueWidth, len(value))
	}
	qty, err = DecodeInt64(value[0:Int64Width])
	if err != nil {
		return 0, 0, err
	}
	accountID, err = DecodeInt64(value[Int64Width:ValueWidth])
	if err != nil {
		return 0, 0, err
	}
	return qty, accountID, nil
}

// EncodeID encodes an order id as the 8-byte key used in the ids table.
func EncodeID(id int64) []byte {
	b := EncodeInt64(id)
	return b[:]
}
