// ABOUTME: MessageFormat-style URL templates with positional {0}..{7} placeholders
// ABOUTME: Parses once at configuration time and substitutes values verbatim

package bucketurl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Placeholder indices understood by bucket URL templates.
const (
	ArgScheme = iota
	ArgHost
	ArgPort
	ArgToken
	ArgTokenPrefix1
	ArgTokenPrefix2
	ArgServerID
	ArgRemoteUser

	argCount
)

// DefaultPattern is used when no bucket URL pattern is configured.
const DefaultPattern = "http://localhost:8080/system/uievent/default?token={3}&server={6}&user={7}"

// ErrInvalidTemplate is returned for patterns that cannot be parsed.
var ErrInvalidTemplate = errors.New("invalid bucket url template")

// segment is either literal text or a placeholder reference (arg >= 0).
type segment struct {
	literal string
	arg     int
}

// Template is a parsed bucket URL pattern.
//
// Syntax follows java.text.MessageFormat for the subset that matters for
// URLs: {n} inserts argument n, '' is a literal apostrophe, text between
// single quotes is copied without interpreting braces, and a lone '}' is
// copied as is.
type Template struct {
	pattern  string
	segments []segment
}

// ParseTemplate parses pattern. Placeholders must be 0..7.
func ParseTemplate(pattern string) (*Template, error) {
	t := &Template{pattern: pattern}

	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{literal: lit.String(), arg: -1})
			lit.Reset()
		}
	}

	quoted := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\'':
			if i+1 < len(pattern) && pattern[i+1] == '\'' {
				lit.WriteByte('\'')
				i++
				continue
			}
			quoted = !quoted
		case quoted:
			lit.WriteByte(c)
		case c == '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated placeholder at offset %d", ErrInvalidTemplate, i)
			}
			name := strings.TrimSpace(pattern[i+1 : i+end])
			n, err := strconv.Atoi(name)
			if err != nil || n < 0 || n >= argCount {
				return nil, fmt.Errorf("%w: placeholder {%s} must be 0..%d", ErrInvalidTemplate, name, argCount-1)
			}
			flush()
			t.segments = append(t.segments, segment{arg: n})
			i += end
		default:
			// A '}' outside a placeholder is literal text.
			lit.WriteByte(c)
		}
	}
	if quoted {
		return nil, fmt.Errorf("%w: unterminated quote", ErrInvalidTemplate)
	}
	flush()

	return t, nil
}

// MustParseTemplate is like ParseTemplate but panics on error.
func MustParseTemplate(pattern string) *Template {
	t, err := ParseTemplate(pattern)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the original pattern.
func (t *Template) String() string {
	return t.pattern
}

// Uses reports whether the template references placeholder n.
func (t *Template) Uses(n int) bool {
	for _, s := range t.segments {
		if s.arg == n {
			return true
		}
	}
	return false
}

// Format substitutes args into the template. Values are inserted as is.
func (t *Template) Format(args [argCount]string) string {
	var b strings.Builder
	for _, s := range t.segments {
		if s.arg >= 0 {
			b.WriteString(args[s.arg])
		} else {
			b.WriteString(s.literal)
		}
	}
	return b.String()
}
