package serial

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/labdaq/daqd/internal/daqerr"
	"github.com/labdaq/daqd/internal/parameter"
)

var placeholderRE = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(?::([^}]+))?\}`)

var fmtSpecRE = regexp.MustCompile(`^0(\d+)([dXx])$`)

// segment is either a literal run of bytes or a placeholder to resolve at
// encode time. Exactly one of lit/name is meaningful.
type segment struct {
	lit    string
	name   string
	format string
	isPH   bool
}

// compiledTemplate is a command template precompiled into literal/placeholder
// segments so encoding never re-parses the template string.
type compiledTemplate struct {
	raw      string
	segments []segment
}

// compileTemplate parses a template string once at driver construction into
// literal and placeholder segments. It does not reject anything: text that
// does not form a placeholder stays literal, and an unsupported format
// specifier is only reported (as BadFormat) when Encode renders it.
func compileTemplate(raw string) (*compiledTemplate, error) {
	ct := &compiledTemplate{raw: raw}
	last := 0
	for _, m := range placeholderRE.FindAllStringSubmatchIndex(raw, -1) {
		if m[0] > last {
			ct.segments = append(ct.segments, segment{lit: raw[last:m[0]]})
		}
		name := raw[m[2]:m[3]]
		format := ""
		if m[4] != -1 {
			format = raw[m[4]:m[5]]
		}
		ct.segments = append(ct.segments, segment{isPH: true, name: name, format: format})
		last = m[1]
	}
	if last < len(raw) {
		ct.segments = append(ct.segments, segment{lit: raw[last:]})
	}
	return ct, nil
}

// Encode resolves every placeholder in the template and returns the command
// string. Resolution order per placeholder name N: "address" -> addr
// verbatim; caller-supplied value in params; device parameter registry;
// otherwise ParameterMissing.
func (ct *compiledTemplate) Encode(addr string, params map[string]float64, deviceParams *parameter.Registry) (string, error) {
	var sb strings.Builder
	for _, s := range ct.segments {
		if !s.isPH {
			sb.WriteString(s.lit)
			continue
		}
		var rendered string
		switch {
		case s.name == "address":
			rendered = addr
		case params != nil:
			if v, ok := params[s.name]; ok {
				r, err := applyFormat(v, s.format)
				if err != nil {
					return "", err
				}
				rendered = r
				break
			}
			fallthrough
		default:
			if deviceParams != nil {
				if p, ok := deviceParams.Get(s.name); ok {
					r, err := applyFormat(p.Get(), s.format)
					if err != nil {
						return "", err
					}
					rendered = r
					break
				}
			}
			return "", daqerr.Protocol("template.encode", fmt.Errorf("%w: %s", daqerr.ErrParameterMissing, s.name))
		}
		sb.WriteString(rendered)
	}
	return sb.String(), nil
}

// applyFormat renders value per the optional format specifier. An empty
// specifier renders the bare trimmed float. "0Nd" zero-pads a signed decimal
// to width N; "0NX"/"0Nx" zero-pad the 32-bit two's-complement hex of the
// rounded value. Any other specifier is BadFormat.
func applyFormat(value float64, spec string) (string, error) {
	if spec == "" {
		return strconv.FormatFloat(value, 'f', -1, 64), nil
	}
	m := fmtSpecRE.FindStringSubmatch(spec)
	if m == nil {
		return "", daqerr.Protocol("template.format", fmt.Errorf("%w: %s", daqerr.ErrBadFormat, spec))
	}
	width, _ := strconv.Atoi(m[1])
	kind := m[2]
	rounded := int64(math.Round(value))
	switch kind {
	case "d":
		sign := ""
		abs := rounded
		if rounded < 0 {
			sign = "-"
			abs = -rounded
		}
		return sign + fmt.Sprintf("%0*d", width, abs), nil
	case "X", "x":
		u := uint32(rounded) // two's-complement 32-bit cast
		layout := "%0*x"
		if kind == "X" {
			layout = "%0*X"
		}
		return fmt.Sprintf(layout, width, u), nil
	default:
		return "", daqerr.Protocol("template.format", fmt.Errorf("%w: %s", daqerr.ErrBadFormat, spec))
	}
}
