package domain

import (
	"fmt"
	"strings"
)

// Direction is the side of a trade.
type Direction int

const (
	DirectionBuy Direction = iota
	DirectionSell
)

const (
	directionStringBuy  = "buy"
	directionStringSell = "sell"
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionBuy:
		return directionStringBuy
	case DirectionSell:
		return directionStringSell
	default:
		return "unknown"
	}
}

// ParseDirection parses "buy" or "sell".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case directionStringBuy:
		return DirectionBuy, nil
	case directionStringSell:
		return DirectionSell, nil
	}
	return 0, fmt.Errorf("unknown trade direction %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
