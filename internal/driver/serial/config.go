// Package serial implements the config-driven serial driver (component C4):
// a single interpreter over an InstrumentConfig that speaks arbitrary
// line-oriented RS-232/RS-485 protocols without per-device code.
package serial

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/labdaq/daqd/internal/daqerr"
)

// fileConfig is the raw TOML shape of an instrument config file, decoded
// verbatim before precompilation.
type fileConfig struct {
	Device      deviceSection               `toml:"device"`
	Connection  connectionSection           `toml:"connection"`
	Parameters  map[string]parameterSpec    `toml:"parameters"`
	Commands    map[string]commandSpec      `toml:"commands"`
	Responses   map[string]responseSpec     `toml:"responses"`
	Conversions map[string]conversionSpec   `toml:"conversions"`
	ErrorCodes  map[string]errorCodeSpec    `toml:"error_codes"`
	TraitMapping map[string]map[string]methodBindingSpec `toml:"trait_mapping"`
	InitSequence []string                   `toml:"init_sequence"`
}

type deviceSection struct {
	ID         string `toml:"id"`
	DriverType string `toml:"driver_type"`
	Name       string `toml:"name"`
}

type connectionSection struct {
	Port         string `toml:"port"`
	Baud         int    `toml:"baud"`
	DataBits     int    `toml:"data_bits"`
	Parity       string `toml:"parity"`
	StopBits     int    `toml:"stop_bits"`
	FlowControl  string `toml:"flow_control"`
	Address      string `toml:"address"`
	TxTerminator string `toml:"tx_terminator"`
	RxTerminator string `toml:"rx_terminator"`
	TimeoutMS    int    `toml:"timeout_ms"`
	SettleMS     int    `toml:"settle_ms"`
	InactivityGapMS int `toml:"inactivity_gap_ms"`
}

type parameterSpec struct {
	Default     float64  `toml:"default"`
	Min         *float64 `toml:"min"`
	Max         *float64 `toml:"max"`
	Unit        string   `toml:"unit"`
	Description string   `toml:"description"`
}

type commandSpec struct {
	Template        string `toml:"template"`
	ExpectsResponse bool   `toml:"expects_response"`
	Response        string `toml:"response"`
}

type responseFieldSpec struct {
	Type   string `toml:"type"`
	Signed bool   `toml:"signed"`
}

type responseSpec struct {
	Pattern string                       `toml:"pattern"`
	Fields  map[string]responseFieldSpec `toml:"fields"`
}

type conversionSpec struct {
	Formula string `toml:"formula"`
	Input   string `toml:"input"`
}

type errorCodeSpec struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Severity    string `toml:"severity"`
	Recoverable bool   `toml:"recoverable"`
}

type methodBindingSpec struct {
	Command          string `toml:"command"`
	InputParam       string `toml:"input_param"`
	InputConversion  string `toml:"input_conversion"`
	FromParam        string `toml:"from_param"`
	Response         string `toml:"response"`
	OutputField      string `toml:"output_field"`
	OutputConversion string `toml:"output_conversion"`
}

// MethodBinding is the resolved (precompiled-reference) form of a single
// trait-mapping entry, ready to drive Driver.invoke.
type MethodBinding struct {
	CommandName      string
	InputParam       string
	InputConversion  string
	FromParam        string
	ResponseName     string
	OutputField      string
	OutputConversion string
}

// InstrumentConfig is the fully precompiled form of a device config file:
// every template, regex, and conversion formula has already been compiled,
// so a bad schema fails fast at construction rather than at transaction
// time.
type InstrumentConfig struct {
	ID         string
	DriverType string
	Name       string

	Connection connectionSection

	ParamDefaults map[string]parameterSpec
	Commands      map[string]*compiledCommand
	Responses     map[string]*compiledResponse
	Conversions   map[string]*compiledConversion
	Errors        *errorTable
	TraitMapping  map[string]map[string]MethodBinding
	InitSequence  []string
}

// compiledCommand pairs the precompiled template with whether a reply is
// expected and which response schema decodes it.
type compiledCommand struct {
	name            string
	template        *compiledTemplate
	expectsResponse bool
	responseName    string
}

// LoadInstrumentConfig reads, decodes, and precompiles a TOML instrument
// config file. Any precompilation failure (bad regex, bad conversion
// formula, a command or trait mapping naming an undeclared response or
// command) aborts before a Driver is constructed. Template format
// specifiers are not checked here; see compileTemplate.
func LoadInstrumentConfig(path string) (*InstrumentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, daqerr.Configuration("config.load", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, daqerr.Configuration("config.load", fmt.Errorf("decode %s: %w", path, err))
	}
	return compileInstrumentConfig(&fc)
}

// PeekDriverType is a registry.ConfigPeeker reading only [device].driver_type
// without compiling the rest of the file.
func PeekDriverType(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var fc struct {
		Device deviceSection `toml:"device"`
	}
	if err := toml.Unmarshal(data, &fc); err != nil {
		return "", err
	}
	if fc.Device.DriverType == "" {
		return "", fmt.Errorf("missing [device].driver_type in %s", path)
	}
	return fc.Device.DriverType, nil
}

func compileInstrumentConfig(fc *fileConfig) (*InstrumentConfig, error) {
	if fc.Device.ID == "" {
		return nil, daqerr.Configuration("config.compile", fmt.Errorf("missing [device].id"))
	}
	if fc.Device.DriverType == "" {
		return nil, daqerr.Configuration("config.compile", fmt.Errorf("missing [device].driver_type"))
	}

	ic := &InstrumentConfig{
		ID:            fc.Device.ID,
		DriverType:    fc.Device.DriverType,
		Name:          fc.Device.Name,
		Connection:    fc.Connection,
		ParamDefaults: fc.Parameters,
		Commands:      make(map[string]*compiledCommand, len(fc.Commands)),
		Responses:     make(map[string]*compiledResponse, len(fc.Responses)),
		Conversions:   make(map[string]*compiledConversion, len(fc.Conversions)),
		TraitMapping:  make(map[string]map[string]MethodBinding, len(fc.TraitMapping)),
		InitSequence:  fc.InitSequence,
	}
	if ic.Connection.TimeoutMS == 0 {
		ic.Connection.TimeoutMS = 500
	}
	if ic.Connection.SettleMS == 0 {
		ic.Connection.SettleMS = 10
	}
	if ic.Connection.InactivityGapMS == 0 {
		ic.Connection.InactivityGapMS = 20
	}

	for name, rs := range fc.Responses {
		fields := make(map[string]FieldSpec, len(rs.Fields))
		for fname, fs := range rs.Fields {
			fields[fname] = FieldSpec{Type: FieldType(fs.Type), Signed: fs.Signed}
		}
		cr, err := compileResponse(name, rs.Pattern, fields)
		if err != nil {
			return nil, err
		}
		ic.Responses[name] = cr
	}

	for name, cs := range fc.Commands {
		ct, err := compileTemplate(cs.Template)
		if err != nil {
			return nil, daqerr.Configuration("config.compile", fmt.Errorf("command %s: %w", name, err))
		}
		if cs.ExpectsResponse && cs.Response != "" {
			if _, ok := ic.Responses[cs.Response]; !ok {
				return nil, daqerr.Configuration("config.compile",
					fmt.Errorf("%w: command %s references response %s", daqerr.ErrUnknownResponse, name, cs.Response))
			}
		}
		ic.Commands[name] = &compiledCommand{
			name:            name,
			template:        ct,
			expectsResponse: cs.ExpectsResponse,
			responseName:    cs.Response,
		}
	}

	for name, conv := range fc.Conversions {
		cc, err := compileConversion(name, conv.Formula, conv.Input)
		if err != nil {
			return nil, err
		}
		ic.Conversions[name] = cc
	}

	// TOML decodes [error_codes] into a Go map, which has no memory of
	// declaration order. Sorting by code keeps errorTable.match deterministic
	// across runs; devices with codes that are prefixes of one another must
	// not rely on declaration order to disambiguate (see errorTable.match).
	codes := make([]string, 0, len(fc.ErrorCodes))
	for code := range fc.ErrorCodes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	errs := &errorTable{}
	for _, code := range codes {
		es := fc.ErrorCodes[code]
		errs.codes = append(errs.codes, ErrorCode{
			Code: code, Name: es.Name, Description: es.Description,
			Severity: es.Severity, Recoverable: es.Recoverable,
		})
	}
	ic.Errors = errs

	for cap, methods := range fc.TraitMapping {
		bound := make(map[string]MethodBinding, len(methods))
		for method, spec := range methods {
			if spec.Command != "" {
				if _, ok := ic.Commands[spec.Command]; !ok {
					return nil, daqerr.Configuration("config.compile",
						fmt.Errorf("%w: trait_mapping %s.%s references command %s", daqerr.ErrUnknownCommand, cap, method, spec.Command))
				}
			}
			bound[method] = MethodBinding{
				CommandName:      spec.Command,
				InputParam:       spec.InputParam,
				InputConversion:  spec.InputConversion,
				FromParam:        spec.FromParam,
				ResponseName:     spec.Response,
				OutputField:      spec.OutputField,
				OutputConversion: spec.OutputConversion,
			}
		}
		ic.TraitMapping[cap] = bound
	}

	return ic, nil
}

// settleDelay is the pause between writing a command and beginning the read
// phase of a transaction.
func (ic *InstrumentConfig) settleDelay() time.Duration {
	return time.Duration(ic.Connection.SettleMS) * time.Millisecond
}

// responseTimeout bounds the total read phase of a transaction.
func (ic *InstrumentConfig) responseTimeout() time.Duration {
	return time.Duration(ic.Connection.TimeoutMS) * time.Millisecond
}

// inactivityGap is the quiet period that ends the read phase early.
func (ic *InstrumentConfig) inactivityGap() time.Duration {
	return time.Duration(ic.Connection.InactivityGapMS) * time.Millisecond
}
