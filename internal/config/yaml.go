package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/testbed/internal/plan"
)

// StringList accepts either a single scalar or a sequence of scalars.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		out := make(StringList, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: list entries must be scalars", item.Line)
			}
			out = append(out, item.Value)
		}
		*l = out
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
}

// Scalars is a string map whose values are kept literally, so `true`, `8080`
// and `0.5` reach commands exactly as written.
type Scalars map[string]string

func (s *Scalars) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*s = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	out := make(Scalars, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: value of %q must be a scalar", value.Line, key.Value)
		}
		if value.Tag == "!!null" {
			continue
		}
		out[key.Value] = value.Value
	}
	*s = out
	return nil
}

// Selector is a role's container_ids: "all", "all_except_<role>", a single id
// or a list of ids.
type Selector struct {
	plan.Selector
	set bool
}

func (s *Selector) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		sel, err := plan.ParseSelector(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		s.Selector, s.set = sel, true
		return nil
	case yaml.SequenceNode:
		ids := make([]int, 0, len(node.Content))
		for _, item := range node.Content {
			id, err := strconv.Atoi(strings.TrimSpace(item.Value))
			if item.Kind != yaml.ScalarNode || err != nil {
				return fmt.Errorf("line %d: %w: container id %q is not an integer", item.Line, plan.ErrContainerSelector, item.Value)
			}
			ids = append(ids, id)
		}
		s.Selector, s.set = plan.IDs(ids...), true
		return nil
	}
	return fmt.Errorf("line %d: container_ids must be a string or a list of ids", node.Line)
}

// Roles keeps the declaration order of the roles mapping, which decides
// execution order for roles absent from role_order.
type Roles []Role

func (r *Roles) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*r = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: roles must be a mapping of role name to definition", node.Line)
	}
	out := make(Roles, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		var role Role
		if err := value.Decode(&role); err != nil {
			return fmt.Errorf("role %q: %w", key.Value, err)
		}
		role.Name = key.Value
		out = append(out, role)
	}
	*r = out
	return nil
}

// Scalar is a single value kept as written. Null decodes to "".
type Scalar string

func (s *Scalar) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", node.Line)
	}
	if node.Tag == "!!null" {
		*s = ""
		return nil
	}
	*s = Scalar(node.Value)
	return nil
}
