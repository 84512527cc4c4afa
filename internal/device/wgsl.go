package device

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// EntryPoint is a compute entry point declared in WGSL source.
type EntryPoint struct {
	Name          string
	WorkgroupSize Size
}

var (
	fnDecl        = regexp.MustCompile(`((?:@[A-Za-z_]+(?:\([^)]*\))?\s*)+)fn\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	workgroupAttr = regexp.MustCompile(`@workgroup_size\(([^)]*)\)`)
)

// ParseEntryPoints scans WGSL source for @compute functions and their
// declared workgroup sizes. Sizes given as named constants are reported
// as zero. It returns a diagnostic error for unbalanced delimiters or
// when no compute entry point exists.
func ParseEntryPoints(source string) ([]EntryPoint, error) {
	clean := stripComments(source)
	if err := checkDelimiters(clean); err != nil {
		return nil, err
	}

	var eps []EntryPoint
	for _, m := range fnDecl.FindAllStringSubmatch(clean, -1) {
		attrs, name := m[1], m[2]
		if !strings.Contains(attrs, "@compute") {
			continue
		}
		ep := EntryPoint{Name: name}
		if wg := workgroupAttr.FindStringSubmatch(attrs); wg != nil {
			ep.WorkgroupSize = parseWorkgroupSize(wg[1])
		}
		eps = append(eps, ep)
	}
	if len(eps) == 0 {
		return nil, &CompileError{Diagnostic: "no @compute entry point declared"}
	}
	return eps, nil
}

func parseWorkgroupSize(args string) Size {
	dims := [3]uint32{1, 1, 1}
	parts := strings.Split(args, ",")
	if len(parts) > 3 {
		return Size{}
	}
	for i, p := range parts {
		p = strings.TrimSuffix(strings.TrimSpace(p), "u")
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Size{}
		}
		dims[i] = uint32(v)
	}
	return Size{X: dims[0], Y: dims[1], Z: dims[2]}
}

// stripComments blanks out // and /* */ comments, keeping newlines so
// diagnostics still point at the right line.
func stripComments(src string) string {
	var b strings.Builder
	b.Grow(len(src))
	for i := 0; i < len(src); i++ {
		switch {
		case strings.HasPrefix(src[i:], "//"):
			for i < len(src) && src[i] != '\n' {
				b.WriteByte(' ')
				i++
			}
			if i < len(src) {
				b.WriteByte('\n')
			}
		case strings.HasPrefix(src[i:], "/*"):
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				end = len(src) - i - 2
			} else {
				end += 2
			}
			for j := i; j < i+2+end && j < len(src); j++ {
				if src[j] == '\n' {
					b.WriteByte('\n')
				} else {
					b.WriteByte(' ')
				}
			}
			i += 1 + end
		default:
			b.WriteByte(src[i])
		}
	}
	return b.String()
}

func checkDelimiters(src string) error {
	type open struct {
		ch        byte
		line, col int
	}
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	var stack []open
	line, col := 1, 0
	for i := 0; i < len(src); i++ {
		c := src[i]
		col++
		switch c {
		case '\n':
			line, col = line+1, 0
		case '(', '[', '{':
			stack = append(stack, open{c, line, col})
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1].ch != pairs[c] {
				return &CompileError{Diagnostic: fmt.Sprintf("%d:%d: unexpected '%c'", line, col, c)}
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return &CompileError{Diagnostic: fmt.Sprintf("%d:%d: unclosed '%c'", top.line, top.col, top.ch)}
	}
	return nil
}
