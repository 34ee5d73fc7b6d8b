package plan

import (
	"fmt"
	"strconv"
	"strings"
)

const exceptPrefix = "all_except_"

type selectorKind int

const (
	selectIDs selectorKind = iota
	selectAll
	selectAllExcept
)

// Selector chooses the containers a role runs on.
type Selector struct {
	kind selectorKind
	role string
	ids  []int
}

// All selects every container of the roster.
func All() Selector {
	return Selector{kind: selectAll}
}

// AllExcept selects the complement of another role's containers.
func AllExcept(role string) Selector {
	return Selector{kind: selectAllExcept, role: role}
}

// IDs selects an explicit list of container ids.
func IDs(ids ...int) Selector {
	return Selector{kind: selectIDs, ids: append([]int(nil), ids...)}
}

// ParseSelector accepts "all", "all_except_<role>" or a comma separated list
// of container ids.
func ParseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "all":
		return All(), nil
	case strings.HasPrefix(s, exceptPrefix):
		role := strings.TrimPrefix(s, exceptPrefix)
		if role == "" {
			return Selector{}, fmt.Errorf("%w: %q names no role", ErrContainerSelector, s)
		}
		return AllExcept(role), nil
	case s == "":
		return IDs(), nil
	}

	var ids []int
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return Selector{}, fmt.Errorf("%w: %q is neither a symbolic selector nor a list of ids", ErrContainerSelector, s)
		}
		ids = append(ids, id)
	}
	return IDs(ids...), nil
}

// Symbolic reports whether the selector depends on the roster or another role.
func (s Selector) Symbolic() bool {
	return s.kind != selectIDs
}

// ExplicitIDs returns the ids of an explicit selector.
func (s Selector) ExplicitIDs() []int {
	if s.kind != selectIDs {
		return nil
	}
	return append([]int(nil), s.ids...)
}

func (s Selector) String() string {
	switch s.kind {
	case selectAll:
		return "all"
	case selectAllExcept:
		return exceptPrefix + s.role
	}
	parts := make([]string, len(s.ids))
	for i, id := range s.ids {
		parts[i] = strconv.Itoa(id)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// MarshalJSON renders symbolic selectors as strings and id lists as arrays.
func (s Selector) MarshalJSON() ([]byte, error) {
	if s.Symbolic() {
		return []byte(strconv.Quote(s.String())), nil
	}
	if len(s.ids) == 0 {
		return []byte("[]"), nil
	}
	return []byte(s.String()), nil
}
