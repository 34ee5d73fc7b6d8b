package plan

import (
	"strings"
)

// Render substitutes {name} placeholders in tmpl in a single pass.
//
// A brace group is a placeholder when its name consists of letters, digits,
// underscores and hyphens; every placeholder must resolve. "{{" and "}}"
// produce literal braces. Other brace groups, such as ${HOME}, {a,b},
// {1..3}, {} or an awk program, are copied verbatim. Substituted values are
// not scanned again.
func Render(tmpl string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		switch {
		case c == '$' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end < 0 {
				b.WriteString(tmpl[i:])
				return b.String(), nil
			}
			next := i + 2 + end + 1
			b.WriteString(tmpl[i:next])
			i = next

		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			b.WriteByte('{')
			i += 2

		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			b.WriteByte('}')
			i += 2

		case c == '{':
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				b.WriteByte(c)
				i++
				continue
			}
			name := tmpl[i+1 : i+1+end]
			if !IsPlaceholderName(name) {
				b.WriteByte(c)
				i++
				continue
			}
			value, ok := vars[name]
			if !ok {
				return "", &TemplateError{Placeholder: name, Template: tmpl}
			}
			b.WriteString(value)
			i += end + 2

		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

// Placeholders lists the distinct placeholder names of tmpl in order of first
// appearance.
func Placeholders(tmpl string) []string {
	seen := make(map[string]bool)
	var names []string
	for i := 0; i < len(tmpl); i++ {
		switch {
		case tmpl[i] == '$' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end < 0 {
				return names
			}
			i += 2 + end
		case (tmpl[i] == '{' || tmpl[i] == '}') && i+1 < len(tmpl) && tmpl[i+1] == tmpl[i]:
			i++
		case tmpl[i] == '{':
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				continue
			}
			name := tmpl[i+1 : i+1+end]
			if IsPlaceholderName(name) {
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
				i += end + 1
			}
		}
	}
	return names
}

// IsPlaceholderName reports whether {s} is treated as a placeholder.
func IsPlaceholderName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c == '-', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
