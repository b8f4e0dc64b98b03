package protocol

import (
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInt_RoundTrip(t *testing.T) {
	values := []int64{
		0, 1, -1, 63, 64, 127, -127, 128, -128, 255, 256, -256,
		1 << 20, -(1 << 20), 1<<31 - 1, -(1 << 31),
		math.MaxInt64, math.MinInt64, math.MinInt64 + 1,
	}

	for _, v := range values {
		buf := appendInt(nil, v)
		got, n, err := readInt(buf)
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, got)
		assert.Equal(t, len(buf), n)
	}
}

func TestInt_SignBitAlwaysReserved(t *testing.T) {
	tests := []struct {
		value int64
		bytes int
	}{
		{0, 1},
		{-1, 1},
		{127, 1},
		{-127, 1},
		{128, 2},
		{-128, 2},
		{math.MaxInt64, 8},
		{math.MinInt64, 9},
	}
	for _, tt := range tests {
		buf := appendInt(nil, tt.value)
		assert.Equal(t, tt.bytes, int(buf[0]&0x0f), "value %d", tt.value)
		assert.Len(t, buf, tt.bytes+1)
	}

	// -1 and 1 differ only in the sign flag.
	assert.Equal(t, []byte{0x01, 0x81}, appendInt(nil, -1))
	assert.Equal(t, []byte{0x01, 0x01}, appendInt(nil, 1))
	assert.Equal(t, []byte{0x01, 0x00}, appendInt(nil, 0))
}

func TestReadInt_Errors(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"empty", nil, ErrCorruptFrame},
		{"wrong kind", []byte{0x21, 0x01}, ErrCorruptFrame},
		{"zero length", []byte{0x00}, ErrCorruptFrame},
		{"truncated", []byte{0x03, 0x01, 0x02}, ErrCorruptFrame},
		{"overflow", append([]byte{0x0a, 0x01}, make([]byte, 9)...), ErrIntOverflow},
		{"positive 2^63", []byte{0x09, 0x00, 0x80, 0, 0, 0, 0, 0, 0, 0}, ErrIntOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := readInt(tt.buf)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSimilarIntArray_Grouping(t *testing.T) {
	groups, err := groupSimilarInts([]int64{100, 101, 102, 228})
	require.NoError(t, err)
	require.Len(t, groups, 2)

	assert.Equal(t, int64(0), groups[0].common)
	assert.Equal(t, []byte{100, 101, 102}, groups[0].low)
	assert.Equal(t, int64(128), groups[1].common)
	assert.Equal(t, []byte{228 - 128}, groups[1].low)
}

func TestSimilarIntArray_ContiguousRunIsCompact(t *testing.T) {
	ids := make([]int64, 0, 28)
	for i := int64(100); i < 128; i++ {
		ids = append(ids, i)
	}
	buf, err := appendSimilarIntArray(nil, ids)
	require.NoError(t, err)

	// header (2) + one common part int (2) + one byte per member
	assert.Len(t, buf, 2+2+len(ids))
}

func TestSimilarIntArray_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		values []int64
	}{
		{"empty", nil},
		{"single zero", []int64{0}},
		{"contiguous", []int64{100, 101, 102, 103, 104, 105}},
		{"sparse", []int64{1, 1000, 1 << 20, 1 << 40, math.MaxInt64}},
		{"duplicates", []int64{7, 7, 7, 8, 7}},
		{"mixed order", []int64{300, 5, 301, 6, 129}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := appendSimilarIntArray(nil, tt.values)
			require.NoError(t, err)

			got, n, err := readSimilarIntArray(buf)
			require.NoError(t, err)
			assert.Equal(t, len(buf), n)
			want := slices.Clone(tt.values)
			slices.Sort(want)
			assert.Equal(t, want, got)
		})
	}
}

func TestSimilarIntArray_DecodesAscending(t *testing.T) {
	buf, err := appendSimilarIntArray(nil, []int64{300, 5, 301})
	require.NoError(t, err)
	got, _, err := readSimilarIntArray(buf)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 300, 301}, got)
}

func TestSimilarIntArray_SplitsLargeGroups(t *testing.T) {
	values := make([]int64, 300)
	for i := range values {
		values[i] = 5
	}
	groups, err := groupSimilarInts(values)
	require.NoError(t, err)
	assert.Len(t, groups, 3)

	buf, err := appendSimilarIntArray(nil, values)
	require.NoError(t, err)
	got, _, err := readSimilarIntArray(buf)
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestSimilarIntArray_Errors(t *testing.T) {
	_, err := appendSimilarIntArray(nil, []int64{1, -2})
	assert.ErrorIs(t, err, ErrNegativeArrayValue)

	sparse := make([]int64, 256)
	for i := range sparse {
		sparse[i] = int64(i) * 1000
	}
	_, err = appendSimilarIntArray(nil, sparse)
	assert.ErrorIs(t, err, ErrArrayTooLarge)

	_, _, err = readSimilarIntArray([]byte{0x10, 0x01, 0x01, 0x03, 1, 2})
	assert.ErrorIs(t, err, ErrCorruptFrame, "group claims 3 members but has 2")
}

func TestCommand_RoundTrip(t *testing.T) {
	commands := []Command{
		Announcement{Loaded: []int64{100, 101, 102, 228}, HTTPLoading: []int64{229}},
		Announcement{},
		Request{SegmentID: 9, RequestID: 1},
		Request{SegmentID: 1 << 40, RequestID: 77, ByteFrom: 4096},
		Data{SegmentID: 9, RequestID: 1, ByteLength: 2 << 20},
		Data{SegmentID: 0, RequestID: 0, ByteLength: 0},
		Absent{SegmentID: -1, RequestID: 3},
		Cancel{SegmentID: math.MaxInt64, RequestID: math.MinInt64},
	}

	for _, cmd := range commands {
		t.Run(cmd.Type().String(), func(t *testing.T) {
			frame, err := Encode(cmd)
			require.NoError(t, err)
			assert.True(t, IsCommandFrame(frame))

			got, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, cmd, got)
		})
	}
}

func TestDecode_RejectsCorruptFrames(t *testing.T) {
	valid, err := Encode(Request{SegmentID: 9, RequestID: 1})
	require.NoError(t, err)

	unknownType := append([]byte(nil), valid...)
	unknownType[markerLen] = 42

	unknownItem := append([]byte(nil), valid...)
	unknownItem[markerLen+2] = 0x51

	truncated := append(append([]byte(nil), valid[:len(valid)-markerLen-1]...), frameEnd...)

	missingField, err := Encode(Absent{SegmentID: 1, RequestID: 2})
	require.NoError(t, err)
	missingField[markerLen] = byte(CommandData)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"no markers", []byte("hello")},
		{"unknown command type", unknownType},
		{"unknown item kind", unknownItem},
		{"truncated field", truncated},
		{"missing required field", missingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			assert.ErrorIs(t, err, ErrCorruptFrame)
		})
	}
}

func TestIsCommandFrame(t *testing.T) {
	assert.False(t, IsCommandFrame([]byte{0x00, 0x01, 0x02}))
	assert.False(t, IsCommandFrame([]byte("cstrcend")))
	assert.True(t, IsCommandFrame([]byte("cstr\x01cend")))
}
