// Package protocol implements the compact binary command format peers use
// to announce segment availability and negotiate segment transfers.
//
// A frame is laid out as:
//
//	"cstr" | command type (1 byte) | fields... | "cend"
//
// where each field is a one-byte name followed by a serialized item. Items
// start with a metadata byte whose high nibble is the item kind and whose
// low nibble is kind specific.
package protocol

import (
	"errors"
	"fmt"
	"math/bits"
	"slices"
)

// itemKind is the high nibble of an item's metadata byte.
type itemKind byte

const (
	itemInt             itemKind = 0
	itemSimilarIntArray itemKind = 1
)

const (
	// lowBits masks the per-member part of a similar-int array value. The
	// common part keeps every bit above it, and the member count is packed
	// into the same low bits of the stored common part.
	lowBits = 0x7f

	// maxGroupMembers is the largest member count packed into a group's
	// common part.
	maxGroupMembers = lowBits

	// maxGroups is the largest group count of a similar-int array.
	maxGroups = 0xff

	signBit = 0x80
)

// Errors returned by the codec.
var (
	// ErrCorruptFrame is returned for any frame that cannot be decoded.
	ErrCorruptFrame = errors.New("corrupt command frame")

	// ErrIntOverflow is returned when a decoded integer does not fit int64.
	ErrIntOverflow = errors.New("integer does not fit int64")

	// ErrNegativeArrayValue is returned when encoding a similar-int array
	// containing a negative value.
	ErrNegativeArrayValue = errors.New("similar-int arrays hold non-negative values only")

	// ErrArrayTooLarge is returned when a similar-int array needs more than
	// 255 groups.
	ErrArrayTooLarge = errors.New("similar-int array has too many groups")
)

// intByteLen returns the number of value bytes needed for magnitude mag.
// One bit is always reserved for the sign, so 127 fits one byte and 128
// needs two regardless of the value's sign.
func intByteLen(mag uint64) int {
	return (bits.Len64(mag) + 1 + 7) / 8
}

// appendInt appends v as a sign-and-magnitude Int item.
func appendInt(dst []byte, v int64) []byte {
	neg := v < 0
	mag := uint64(v)
	if neg {
		mag = ^mag + 1
	}

	n := intByteLen(mag)
	dst = append(dst, byte(itemInt)<<4|byte(n))
	first := len(dst)
	for i := n - 1; i >= 0; i-- {
		shift := uint(8 * i)
		if shift >= 64 {
			dst = append(dst, 0)
			continue
		}
		dst = append(dst, byte(mag>>shift))
	}
	if neg {
		dst[first] |= signBit
	}
	return dst
}

// readInt decodes an Int item from the start of b and returns the value and
// the number of bytes consumed.
func readInt(b []byte) (int64, int, error) {
	if len(b) < 1 {
		return 0, 0, fmt.Errorf("%w: missing int metadata", ErrCorruptFrame)
	}
	if kind := itemKind(b[0] >> 4); kind != itemInt {
		return 0, 0, fmt.Errorf("%w: expected int item, got kind %d", ErrCorruptFrame, kind)
	}
	n := int(b[0] & 0x0f)
	if n == 0 {
		return 0, 0, fmt.Errorf("%w: zero-length int", ErrCorruptFrame)
	}
	if len(b) < 1+n {
		return 0, 0, fmt.Errorf("%w: truncated int (want %d bytes, have %d)", ErrCorruptFrame, n, len(b)-1)
	}

	value := b[1 : 1+n]
	neg := value[0]&signBit != 0

	var mag uint64
	for i, c := range value {
		if i == 0 {
			c &^= signBit
		}
		if mag>>56 != 0 {
			return 0, 0, ErrIntOverflow
		}
		mag = mag<<8 | uint64(c)
	}

	switch {
	case neg && mag > 1<<63:
		return 0, 0, ErrIntOverflow
	case !neg && mag > 1<<63-1:
		return 0, 0, ErrIntOverflow
	case neg:
		return -int64(mag), 1 + n, nil
	default:
		return int64(mag), 1 + n, nil
	}
}

// intGroup is one run of values sharing every bit above lowBits.
type intGroup struct {
	common int64
	low    []byte
}

// groupSimilarInts splits values into groups keyed by their common part.
// Values are sorted first, so the array decodes in ascending order.
func groupSimilarInts(values []int64) ([]*intGroup, error) {
	var groups []*intGroup
	open := make(map[int64]*intGroup)

	for _, v := range slices.Sorted(slices.Values(values)) {
		if v < 0 {
			return nil, ErrNegativeArrayValue
		}
		common := v &^ lowBits
		g := open[common]
		if g == nil || len(g.low) == maxGroupMembers {
			g = &intGroup{common: common}
			groups = append(groups, g)
			open[common] = g
		}
		g.low = append(g.low, byte(v&lowBits))
	}

	if len(groups) > maxGroups {
		return nil, fmt.Errorf("%w: %d groups", ErrArrayTooLarge, len(groups))
	}
	return groups, nil
}

// appendSimilarIntArray appends values as a similar-int array item.
func appendSimilarIntArray(dst []byte, values []int64) ([]byte, error) {
	groups, err := groupSimilarInts(values)
	if err != nil {
		return dst, err
	}

	dst = append(dst, byte(itemSimilarIntArray)<<4, byte(len(groups)))
	for _, g := range groups {
		dst = appendInt(dst, g.common|int64(len(g.low)))
		dst = append(dst, g.low...)
	}
	return dst, nil
}

// readSimilarIntArray decodes a similar-int array item from the start of b.
func readSimilarIntArray(b []byte) ([]int64, int, error) {
	if len(b) < 2 {
		return nil, 0, fmt.Errorf("%w: truncated array header", ErrCorruptFrame)
	}
	if kind := itemKind(b[0] >> 4); kind != itemSimilarIntArray {
		return nil, 0, fmt.Errorf("%w: expected array item, got kind %d", ErrCorruptFrame, kind)
	}

	groups := int(b[1])
	offset := 2
	var values []int64
	for i := 0; i < groups; i++ {
		withCount, n, err := readInt(b[offset:])
		if err != nil {
			return nil, 0, err
		}
		offset += n
		if withCount < 0 {
			return nil, 0, fmt.Errorf("%w: negative group common part", ErrCorruptFrame)
		}

		count := int(withCount & lowBits)
		if count == 0 {
			return nil, 0, fmt.Errorf("%w: empty array group", ErrCorruptFrame)
		}
		if len(b) < offset+count {
			return nil, 0, fmt.Errorf("%w: truncated array group", ErrCorruptFrame)
		}

		common := withCount &^ lowBits
		for _, low := range b[offset : offset+count] {
			if low > lowBits {
				return nil, 0, fmt.Errorf("%w: array member byte out of range", ErrCorruptFrame)
			}
			values = append(values, common|int64(low))
		}
		offset += count
	}
	return values, offset, nil
}
