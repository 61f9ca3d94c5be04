package serial

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/labdaq/daqd/internal/daqerr"
)

// FieldType names the dtype a response field's captured substring decodes
// to.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldHex    FieldType = "hex"
)

// FieldSpec is the precompiled form of a single declared response field.
type FieldSpec struct {
	Type   FieldType
	Signed bool
}

// compiledResponse is a precompiled regex plus the typed field schema
// declared for a response name. Precompilation happens once at driver
// construction; a malformed pattern aborts bring-up.
type compiledResponse struct {
	name    string
	re      *regexp.Regexp
	fields  map[string]FieldSpec
	groups  []string // capture group names in order, "" for unnamed
}

func compileResponse(name, pattern string, fields map[string]FieldSpec) (*compiledResponse, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, daqerr.Configuration("response.compile", fmt.Errorf("response %s: %w", name, err))
	}
	return &compiledResponse{name: name, re: re, fields: fields, groups: re.SubexpNames()}, nil
}

// Decode matches payload against the response pattern and parses every
// declared field per its dtype. Missing captures are simply absent from the
// result; malformed numerics yield ResponseParseError.
func (cr *compiledResponse) Decode(payload string) (map[string]any, bool, error) {
	m := cr.re.FindStringSubmatch(payload)
	if m == nil {
		return nil, false, nil
	}
	raw := make(map[string]string, len(cr.groups))
	for i, name := range cr.groups {
		if name == "" || i >= len(m) || m[i] == "" {
			continue
		}
		raw[name] = m[i]
	}
	out := make(map[string]any, len(cr.fields))
	for field, spec := range cr.fields {
		capture, ok := raw[field]
		if !ok {
			continue
		}
		v, err := decodeField(capture, spec)
		if err != nil {
			return nil, true, daqerr.Protocol("response.decode",
				fmt.Errorf("%w: field %s in response %s: %v", daqerr.ErrResponseParse, field, cr.name, err))
		}
		out[field] = v
	}
	return out, true, nil
}

func decodeField(capture string, spec FieldSpec) (any, error) {
	switch spec.Type {
	case FieldString, "":
		return capture, nil
	case FieldInt:
		if spec.Signed {
			return strconv.ParseInt(capture, 10, 64)
		}
		return strconv.ParseUint(capture, 10, 64)
	case FieldFloat:
		return strconv.ParseFloat(capture, 64)
	case FieldHex:
		if spec.Signed {
			return strconv.ParseInt(capture, 16, 64)
		}
		return strconv.ParseUint(capture, 16, 64)
	default:
		return nil, fmt.Errorf("unsupported field type %q", spec.Type)
	}
}
