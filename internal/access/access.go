// Package access tracks and enforces the authorized-principal set for a
// shared file. The coordinator's copy is authoritative; peers only cache it.
package access

import (
	"errors"
	"sort"
)

var (
	// ErrLimitExceeded is returned when adding would exceed the configured
	// maximum set size.
	ErrLimitExceeded = errors.New("share limit exceeded")
	// ErrPermissionDenied is returned when the caller may not perform the
	// requested share mutation.
	ErrPermissionDenied = errors.New("permission denied")
)

// List is the set of principals authorized for one file. The creator is
// always a member and can never be removed.
type List struct {
	creator string
	max     int
	members map[string]struct{}
}

// NewList creates a List seeded with the creator. max bounds the total
// membership; max <= 0 means unbounded.
func NewList(creator string, max int) *List {
	l := &List{
		creator: creator,
		max:     max,
		members: map[string]struct{}{creator: {}},
	}
	return l
}

// Creator returns the principal that created the file.
func (l *List) Creator() string { return l.creator }

// Contains reports whether principal is authorized.
func (l *List) Contains(principal string) bool {
	_, ok := l.members[principal]
	return ok
}

// Len returns the current membership count.
func (l *List) Len() int { return len(l.members) }

// Members returns all authorized principals in sorted order.
func (l *List) Members() []string {
	out := make([]string, 0, len(l.members))
	for m := range l.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Add authorizes target, requested by principal by. Any current member may
// extend sharing (a downloader-turned-seeder included), bounded by the
// configured maximum.
func (l *List) Add(by, target string) error {
	if !l.Contains(by) {
		return ErrPermissionDenied
	}
	if l.Contains(target) {
		return nil
	}
	if l.max > 0 && len(l.members) >= l.max {
		return ErrLimitExceeded
	}
	l.members[target] = struct{}{}
	return nil
}

// Remove revokes target, requested by principal by. The creator may revoke
// anyone except themself; a non-creator may only remove themself.
func (l *List) Remove(by, target string) error {
	if target == l.creator {
		return ErrPermissionDenied
	}
	if by != l.creator && by != target {
		return ErrPermissionDenied
	}
	delete(l.members, target)
	return nil
}
