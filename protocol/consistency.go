package protocol

import (
	"fmt"
	"strings"
)

// Consistency is the replica acknowledgement level requested per statement.
// It is passed to the server unmodified.
type Consistency uint16

const (
	Any         Consistency = 0x00
	One         Consistency = 0x01
	Two         Consistency = 0x02
	Three       Consistency = 0x03
	Quorum      Consistency = 0x04
	All         Consistency = 0x05
	LocalQuorum Consistency = 0x06
	EachQuorum  Consistency = 0x07
	Serial      Consistency = 0x08
	LocalSerial Consistency = 0x09
	LocalOne    Consistency = 0x0A
)

var consistencyNames = []string{
	Any:         "ANY",
	One:         "ONE",
	Two:         "TWO",
	Three:       "THREE",
	Quorum:      "QUORUM",
	All:         "ALL",
	LocalQuorum: "LOCAL_QUORUM",
	EachQuorum:  "EACH_QUORUM",
	Serial:      "SERIAL",
	LocalSerial: "LOCAL_SERIAL",
	LocalOne:    "LOCAL_ONE",
}

func (c Consistency) String() string {
	if int(c) < len(consistencyNames) {
		return consistencyNames[c]
	}
	return fmt.Sprintf("UNKNOWN_CONS_0x%x", uint16(c))
}

// IsSerial reports whether c is valid as a serial consistency.
func (c Consistency) IsSerial() bool {
	return c == Serial || c == LocalSerial
}

func (c Consistency) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Consistency) UnmarshalText(text []byte) error {
	parsed, err := ParseConsistency(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseConsistency parses a consistency name, case-insensitively.
func ParseConsistency(s string) (Consistency, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range consistencyNames {
		if name == upper {
			return Consistency(i), nil
		}
	}
	return 0, NewError(KindInvalidOption, fmt.Sprintf("invalid consistency %q", s), nil)
}
