package dataset

import (
	"fmt"
	"strconv"
	"strings"
)

// DType is a NumPy-style array-protocol type string, e.g. "<f8", "<i4",
// "|b1", "|S16", "<U8", "<c16", "<M8[ns]" or "|O". It is the dtype
// representation served verbatim in .zarray documents.
type DType string

// Common dtypes used across the portal.
const (
	Float32 DType = "<f4"
	Float64 DType = "<f8"
	Int32   DType = "<i4"
	Int64   DType = "<i8"
	Bool    DType = "|b1"
	Object  DType = "|O"
)

// objectItemSize is the conservative per-item estimate used by the chunk
// planner for object dtypes, whose true size is unknowable up front.
const objectItemSize = 64

// Kind returns the type-kind letter: f (float), i (int), u (uint),
// b (bool), c (complex), S (bytes), U (unicode), m (timedelta),
// M (datetime) or O (object). Returns 0 for malformed dtypes.
func (d DType) Kind() byte {
	s := string(d)
	if len(s) < 2 {
		return 0
	}
	switch s[0] {
	case '<', '>', '|', '=':
		return s[1]
	}
	return s[0]
}

// TimeUnit returns the unit of a datetime64/timedelta64 dtype, e.g. "ns"
// for "<M8[ns]". Empty for other kinds.
func (d DType) TimeUnit() string {
	i := strings.IndexByte(string(d), '[')
	if i < 0 {
		return ""
	}
	return strings.TrimSuffix(string(d)[i+1:], "]")
}

// ItemSize returns the per-element byte width. Object dtypes report a
// conservative fixed estimate since their real footprint is unknown.
func (d DType) ItemSize() int {
	kind := d.Kind()
	if kind == 'O' {
		return objectItemSize
	}
	s := string(d)
	i := 1
	if s[0] == '<' || s[0] == '>' || s[0] == '|' || s[0] == '=' {
		i = 2
	}
	digits := s[i:]
	if j := strings.IndexByte(digits, '['); j >= 0 {
		digits = digits[:j]
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0
	}
	// Unicode dtypes count code points, four bytes each.
	if kind == 'U' {
		return 4 * n
	}
	return n
}

// Validate reports whether the dtype parses to a positive item size.
func (d DType) Validate() error {
	if d.Kind() == 0 || d.ItemSize() <= 0 {
		return fmt.Errorf("invalid dtype %q", string(d))
	}
	return nil
}
