package task

import (
	"fmt"
	"strings"
)

// Category is the kind of work a task represents.
type Category int

const (
	Abort Category = iota
	Hashing
	Dissection
	Examination
	DissectorSelection
	ExaminerSelection
	Exit
)

var categoryNames = [...]string{
	Abort:              "ABORT",
	Hashing:            "HASHING",
	Dissection:         "DISSECTION",
	Examination:        "EXAMINATION",
	DissectorSelection: "DISSECTOR_SELECTION",
	ExaminerSelection:  "EXAMINER_SELECTION",
	Exit:               "EXIT",
}

// Priorities served by the input queue; lower is served first.
const (
	PriorityAbort  = 0
	PriorityNormal = 1
	PriorityExit   = 2
)

func (c Category) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Category(%d)", int(c))
	}
	return categoryNames[c]
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c >= Abort && c <= Exit
}

// Priority is derived from the category alone.
func (c Category) Priority() int {
	switch c {
	case Abort:
		return PriorityAbort
	case Exit:
		return PriorityExit
	default:
		return PriorityNormal
	}
}

// IsControl reports whether c is ABORT or EXIT.
func (c Category) IsControl() bool {
	return c == Abort || c == Exit
}

// ParseCategory is the inverse of String.
func ParseCategory(s string) (Category, error) {
	for i, name := range categoryNames {
		if strings.EqualFold(name, s) {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCategory, int(c))
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
