package circuit

import (
	"fmt"
	"sort"
	"strings"
)

// NodeIDSet is a set of node ids, implemented as a sorted slice.
type NodeIDSet []NodeID

// NewNodeIDSet builds a set from ids, dropping duplicates and empty ids.
func NewNodeIDSet(ids ...NodeID) NodeIDSet {
	var s NodeIDSet
	for _, id := range ids {
		if id == "" {
			continue
		}
		s = s.Add(id)
	}
	return s
}

func (s NodeIDSet) find(id NodeID) (int, bool) {
	i := sort.Search(len(s), func(i int) bool {
		return s[i] >= id
	})
	return i, i < len(s) && s[i] == id
}

// Add returns a set containing the members of s and id.
// The receiver may share storage with the result.
func (s NodeIDSet) Add(id NodeID) NodeIDSet {
	i, ok := s.find(id)
	if ok {
		return s
	}
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = id
	return s
}

// Union returns a set containing the members of s and other.
func (s NodeIDSet) Union(other NodeIDSet) NodeIDSet {
	result := make(NodeIDSet, 0, len(s)+len(other))
	var i, j int
	for i < len(s) && j < len(other) {
		switch {
		case s[i] < other[j]:
			result = append(result, s[i])
			i++
		case other[j] < s[i]:
			result = append(result, other[j])
			j++
		default:
			result = append(result, s[i])
			i++
			j++
		}
	}
	result = append(result, s[i:]...)
	return append(result, other[j:]...)
}

// Remove returns a set without id.
func (s NodeIDSet) Remove(id NodeID) NodeIDSet {
	i, ok := s.find(id)
	if !ok {
		return s
	}
	result := make(NodeIDSet, 0, len(s)-1)
	result = append(result, s[:i]...)
	return append(result, s[i+1:]...)
}

// Contains uses binary search to test whether s contains id.
func (s NodeIDSet) Contains(id NodeID) bool {
	_, ok := s.find(id)
	return ok
}

// Clone returns a copy of s that shares no storage with it.
func (s NodeIDSet) Clone() NodeIDSet {
	if s == nil {
		return nil
	}
	return append(NodeIDSet(nil), s...)
}

// Strings returns the members of s as strings.
func (s NodeIDSet) Strings() []string {
	result := make([]string, 0, len(s))
	for _, id := range s {
		result = append(result, string(id))
	}
	return result
}

func (s NodeIDSet) String() string {
	return fmt.Sprintf("[%s]", strings.Join(s.Strings(), " "))
}
