package api

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ID is a 64-bit monotone identifier. IDs always cross text interfaces as
// decimal strings so that JavaScript clients never lose precision
type ID int64

var ErrInvalidID = errors.New("invalid identifier")

// ParseID converts the decimal string form of an identifier back to an ID
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID(n), nil
}

// IsZero returns true when the ID has not been assigned
func (id ID) IsZero() bool {
	return id == 0
}

// Int64 returns the numeric form for storage layers that keep IDs as BIGINT
func (id ID) Int64() int64 {
	return int64(id)
}

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// MarshalJSON renders the ID as a quoted decimal string
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(id.String())), nil
}

// UnmarshalJSON accepts both the string form and, for compatibility with
// older emitters, a bare JSON number
func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*id = 0
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	if s == "" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidID, s)
	}
	*id = ID(n)
	return nil
}
