package container

import (
	"strings"
	"sync/atomic"
)

// Tag is a classification flag carried by a container.
type Tag uint32

const (
	Persisted Tag = 1 << iota
	Whitelisted
	Blacklisted
)

var tagNames = []struct {
	tag  Tag
	name string
}{
	{Persisted, "persisted"},
	{Whitelisted, "whitelisted"},
	{Blacklisted, "blacklisted"},
}

func (t Tag) String() string {
	for _, tn := range tagNames {
		if tn.tag == t {
			return tn.name
		}
	}
	return "unknown"
}

// TagSet is a set of tags safe for concurrent use. Removing an absent tag
// leaves the set unchanged.
type TagSet struct {
	bits atomic.Uint32
}

// Add sets t.
func (s *TagSet) Add(t Tag) {
	s.bits.Or(uint32(t))
}

// Remove clears t.
func (s *TagSet) Remove(t Tag) {
	s.bits.And(^uint32(t))
}

// Has reports whether every bit of t is set.
func (s *TagSet) Has(t Tag) bool {
	return Tag(s.bits.Load())&t == t
}

// Any reports whether at least one bit of t is set.
func (s *TagSet) Any(t Tag) bool {
	return Tag(s.bits.Load())&t != 0
}

// Bits returns the raw tag mask.
func (s *TagSet) Bits() Tag {
	return Tag(s.bits.Load())
}

func (s *TagSet) set(t Tag) {
	s.bits.Store(uint32(t))
}

func (s *TagSet) String() string {
	var names []string
	for _, tn := range tagNames {
		if s.Has(tn.tag) {
			names = append(names, tn.name)
		}
	}
	return strings.Join(names, "|")
}
