package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize is a byte count read from configuration. Values may be plain
// integers ("5242880") or carry SI or IEC units ("1GB", "64 MiB").
type ByteSize int64

// ParseByteSize parses s into a ByteSize.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("byte size %q is negative", s)
		}
		return ByteSize(n), nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parsing byte size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("byte size %q overflows", s)
	}
	return ByteSize(n), nil
}

// UnmarshalText lets viper decode sizes through the text unmarshaler hook.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = n
	return nil
}

// MarshalText renders the size with IEC units.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size as int64.
func (b ByteSize) Bytes() int64 { return int64(b) }

// Int returns the size as int, saturating on 32-bit platforms.
func (b ByteSize) Int() int {
	if int64(b) > math.MaxInt {
		return math.MaxInt
	}
	return int(b)
}

func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}
