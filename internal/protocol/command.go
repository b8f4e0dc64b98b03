package protocol

import (
	"bytes"
	"fmt"
)

// CommandType identifies the kind of a peer command.
type CommandType byte

const (
	CommandAnnouncement CommandType = iota
	CommandRequest
	CommandData
	CommandAbsent
	CommandCancel
)

// String implements fmt.Stringer.
func (t CommandType) String() string {
	switch t {
	case CommandAnnouncement:
		return "announcement"
	case CommandRequest:
		return "request"
	case CommandData:
		return "data"
	case CommandAbsent:
		return "absent"
	case CommandCancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Field names used on the wire.
const (
	fieldLoaded      byte = 'l'
	fieldHTTPLoading byte = 'p'
	fieldSegmentID   byte = 'i'
	fieldRequestID   byte = 'r'
	fieldByteFrom    byte = 'b'
	fieldByteLength  byte = 's'
)

var (
	frameStart = []byte("cstr")
	frameEnd   = []byte("cend")
)

const markerLen = 4

// Command is one of Announcement, Request, Data, Absent or Cancel.
type Command interface {
	Type() CommandType
	appendFields(dst []byte) ([]byte, error)
}

// Announcement lists the segments a peer holds and the ones it is
// currently fetching over HTTP. Both lists are sets: they are encoded in
// ascending order whatever order they are given in.
type Announcement struct {
	Loaded      []int64
	HTTPLoading []int64
}

// Request asks a peer for a segment. ByteFrom > 0 resumes a partial
// transfer at that offset.
type Request struct {
	SegmentID int64
	RequestID int64
	ByteFrom  int64
}

// Data precedes ByteLength bytes of segment payload sent as raw messages.
type Data struct {
	SegmentID  int64
	RequestID  int64
	ByteLength int64
}

// Absent tells the requester the segment is not available.
type Absent struct {
	SegmentID int64
	RequestID int64
}

// Cancel stops an upload in progress.
type Cancel struct {
	SegmentID int64
	RequestID int64
}

func (Announcement) Type() CommandType { return CommandAnnouncement }
func (Request) Type() CommandType      { return CommandRequest }
func (Data) Type() CommandType         { return CommandData }
func (Absent) Type() CommandType       { return CommandAbsent }
func (Cancel) Type() CommandType       { return CommandCancel }

func (c Announcement) appendFields(dst []byte) ([]byte, error) {
	var err error
	dst = append(dst, fieldLoaded)
	if dst, err = appendSimilarIntArray(dst, c.Loaded); err != nil {
		return nil, fmt.Errorf("encoding loaded ids: %w", err)
	}
	dst = append(dst, fieldHTTPLoading)
	if dst, err = appendSimilarIntArray(dst, c.HTTPLoading); err != nil {
		return nil, fmt.Errorf("encoding http loading ids: %w", err)
	}
	return dst, nil
}

func (c Request) appendFields(dst []byte) ([]byte, error) {
	dst = appendIntField(dst, fieldSegmentID, c.SegmentID)
	dst = appendIntField(dst, fieldRequestID, c.RequestID)
	if c.ByteFrom > 0 {
		dst = appendIntField(dst, fieldByteFrom, c.ByteFrom)
	}
	return dst, nil
}

func (c Data) appendFields(dst []byte) ([]byte, error) {
	dst = appendIntField(dst, fieldSegmentID, c.SegmentID)
	dst = appendIntField(dst, fieldRequestID, c.RequestID)
	dst = appendIntField(dst, fieldByteLength, c.ByteLength)
	return dst, nil
}

func (c Absent) appendFields(dst []byte) ([]byte, error) {
	dst = appendIntField(dst, fieldSegmentID, c.SegmentID)
	dst = appendIntField(dst, fieldRequestID, c.RequestID)
	return dst, nil
}

func (c Cancel) appendFields(dst []byte) ([]byte, error) {
	dst = appendIntField(dst, fieldSegmentID, c.SegmentID)
	dst = appendIntField(dst, fieldRequestID, c.RequestID)
	return dst, nil
}

func appendIntField(dst []byte, name byte, v int64) []byte {
	return appendInt(append(dst, name), v)
}

// Encode serializes a command into a single frame.
func Encode(cmd Command) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, frameStart...)
	buf = append(buf, byte(cmd.Type()))

	buf, err := cmd.appendFields(buf)
	if err != nil {
		return nil, fmt.Errorf("encoding %s command: %w", cmd.Type(), err)
	}
	return append(buf, frameEnd...), nil
}

// IsCommandFrame reports whether msg is delimited like a command frame.
// Messages that are not command frames carry segment payload.
func IsCommandFrame(msg []byte) bool {
	return len(msg) >= 2*markerLen+1 &&
		bytes.Equal(msg[:markerLen], frameStart) &&
		bytes.Equal(msg[len(msg)-markerLen:], frameEnd)
}

// fields is the decoded field list of a frame.
type fields struct {
	ints   map[byte]int64
	arrays map[byte][]int64
}

func (f fields) requireInt(name byte) (int64, error) {
	v, ok := f.ints[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing int field %q", ErrCorruptFrame, name)
	}
	return v, nil
}

func (f fields) requireArray(name byte) ([]int64, error) {
	v, ok := f.arrays[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing array field %q", ErrCorruptFrame, name)
	}
	return v, nil
}

func parseFields(b []byte) (fields, error) {
	f := fields{ints: make(map[byte]int64), arrays: make(map[byte][]int64)}
	for len(b) > 0 {
		if len(b) < 2 {
			return f, fmt.Errorf("%w: truncated field", ErrCorruptFrame)
		}
		name := b[0]
		if _, dup := f.ints[name]; dup {
			return f, fmt.Errorf("%w: duplicate field %q", ErrCorruptFrame, name)
		}
		if _, dup := f.arrays[name]; dup {
			return f, fmt.Errorf("%w: duplicate field %q", ErrCorruptFrame, name)
		}

		item := b[1:]
		switch kind := itemKind(item[0] >> 4); kind {
		case itemInt:
			v, n, err := readInt(item)
			if err != nil {
				return f, err
			}
			f.ints[name] = v
			b = item[n:]
		case itemSimilarIntArray:
			v, n, err := readSimilarIntArray(item)
			if err != nil {
				return f, err
			}
			f.arrays[name] = v
			b = item[n:]
		default:
			return f, fmt.Errorf("%w: unknown item kind %d", ErrCorruptFrame, kind)
		}
	}
	return f, nil
}

// Decode parses a single frame into its command variant.
func Decode(msg []byte) (Command, error) {
	if !IsCommandFrame(msg) {
		return nil, fmt.Errorf("%w: missing frame markers", ErrCorruptFrame)
	}

	cmdType := CommandType(msg[markerLen])
	f, err := parseFields(msg[markerLen+1 : len(msg)-markerLen])
	if err != nil {
		return nil, fmt.Errorf("decoding %s command: %w", cmdType, err)
	}

	switch cmdType {
	case CommandAnnouncement:
		return decodeAnnouncement(f)
	case CommandRequest:
		return decodeRequest(f)
	case CommandData:
		return decodeData(f)
	case CommandAbsent:
		id, req, err := decodeSegmentAndRequest(f)
		if err != nil {
			return nil, err
		}
		return Absent{SegmentID: id, RequestID: req}, nil
	case CommandCancel:
		id, req, err := decodeSegmentAndRequest(f)
		if err != nil {
			return nil, err
		}
		return Cancel{SegmentID: id, RequestID: req}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command type %d", ErrCorruptFrame, byte(cmdType))
	}
}

func decodeAnnouncement(f fields) (Command, error) {
	loaded, err := f.requireArray(fieldLoaded)
	if err != nil {
		return nil, err
	}
	httpLoading, err := f.requireArray(fieldHTTPLoading)
	if err != nil {
		return nil, err
	}
	return Announcement{Loaded: loaded, HTTPLoading: httpLoading}, nil
}

func decodeRequest(f fields) (Command, error) {
	id, req, err := decodeSegmentAndRequest(f)
	if err != nil {
		return nil, err
	}
	from := f.ints[fieldByteFrom]
	if from < 0 {
		return nil, fmt.Errorf("%w: negative byte offset", ErrCorruptFrame)
	}
	return Request{SegmentID: id, RequestID: req, ByteFrom: from}, nil
}

func decodeData(f fields) (Command, error) {
	id, req, err := decodeSegmentAndRequest(f)
	if err != nil {
		return nil, err
	}
	length, err := f.requireInt(fieldByteLength)
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: negative payload length", ErrCorruptFrame)
	}
	return Data{SegmentID: id, RequestID: req, ByteLength: length}, nil
}

func decodeSegmentAndRequest(f fields) (int64, int64, error) {
	id, err := f.requireInt(fieldSegmentID)
	if err != nil {
		return 0, 0, err
	}
	req, err := f.requireInt(fieldRequestID)
	if err != nil {
		return 0, 0, err
	}
	return id, req, nil
}
