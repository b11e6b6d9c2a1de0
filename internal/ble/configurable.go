package ble

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// FieldSpec describes one field of a JSON-configured advertisement layout.
type FieldSpec struct {
	Name      string  `json:"name"`
	Offset    int     `json:"offset"`
	Length    int     `json:"length"`
	Type      string  `json:"type"` // uint8, int8, uint16, int16, uint32, int32 (little endian)
	Scale     float64 `json:"scale,omitempty"`
	Transform string  `json:"transform,omitempty"` // expression over x, applied after scale
	Unit      string  `json:"unit,omitempty"`
}

// ParserConfig is the JSON description of a configurable parser.
type ParserConfig struct {
	Name           string      `json:"name"`
	ManufacturerID uint16      `json:"manufacturerId"`
	Fields         []FieldSpec `json:"fields"`
}

// ConfigurableParser decodes fixed-layout advertisements described by a
// JSON config, for sensors without a dedicated codec.
type ConfigurableParser struct {
	cfg ParserConfig
}

// NewConfigurableParser builds a parser from a JSON config document.
func NewConfigurableParser(configJSON []byte) (*ConfigurableParser, error) {
	var cfg ParserConfig
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		return nil, fmt.Errorf("parser config: %w", err)
	}
	return NewConfigurableParserFromConfig(cfg)
}

// NewConfigurableParserFromConfig builds a parser from an in-memory config.
func NewConfigurableParserFromConfig(cfg ParserConfig) (*ConfigurableParser, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("parser config: name required")
	}
	if cfg.ManufacturerID == 0 {
		return nil, fmt.Errorf("parser config %s: manufacturerId required", cfg.Name)
	}
	for i, f := range cfg.Fields {
		if f.Name == "" {
			return nil, fmt.Errorf("parser config %s: field %d: name required", cfg.Name, i)
		}
		if width := fieldWidth(f.Type); width == 0 {
			return nil, fmt.Errorf("parser config %s: field %s: unknown type %q", cfg.Name, f.Name, f.Type)
		} else if f.Length != 0 && f.Length != width {
			return nil, fmt.Errorf("parser config %s: field %s: length %d does not match type %s", cfg.Name, f.Name, f.Length, f.Type)
		}
		if f.Transform != "" {
			if _, err := evalExpr(f.Transform, 0); err != nil {
				return nil, fmt.Errorf("parser config %s: field %s: %w", cfg.Name, f.Name, err)
			}
		}
	}
	return &ConfigurableParser{cfg: cfg}, nil
}

func fieldWidth(typ string) int {
	switch typ {
	case "uint8", "int8":
		return 1
	case "uint16", "int16":
		return 2
	case "uint32", "int32":
		return 4
	default:
		return 0
	}
}

// Name implements Parser.
func (p *ConfigurableParser) Name() string { return p.cfg.Name }

// Matches implements Parser.
func (p *ConfigurableParser) Matches(data []byte) bool {
	id, ok := ManufacturerID(data)
	return ok && id == p.cfg.ManufacturerID
}

// Parse implements Parser. Fields whose extent lies outside the payload
// decode to nil rather than failing the record.
func (p *ConfigurableParser) Parse(data []byte, _ ParseOptions) (map[string]interface{}, error) {
	if !p.Matches(data) {
		return nil, fmt.Errorf("%s: manufacturer mismatch", p.cfg.Name)
	}

	record := map[string]interface{}{"recordType": p.cfg.Name}
	for _, f := range p.cfg.Fields {
		raw, ok := extractField(data, f)
		if !ok {
			record[f.Name] = nil
			continue
		}
		value := raw
		if f.Scale != 0 {
			value = raw * f.Scale
		}
		if f.Transform != "" {
			v, err := evalExpr(f.Transform, value)
			if err != nil {
				return nil, fmt.Errorf("%s: field %s: %w", p.cfg.Name, f.Name, err)
			}
			value = v
		}
		record[f.Name] = value
		if f.Unit != "" {
			record[f.Name+"Unit"] = f.Unit
		}
	}
	return record, nil
}

func extractField(data []byte, f FieldSpec) (float64, bool) {
	width := fieldWidth(f.Type)
	if f.Offset < 0 || f.Offset+width > len(data) {
		return 0, false
	}
	raw := data[f.Offset : f.Offset+width]
	switch f.Type {
	case "uint8":
		return float64(raw[0]), true
	case "int8":
		return float64(int8(raw[0])), true
	case "uint16":
		return float64(binary.LittleEndian.Uint16(raw)), true
	case "int16":
		return float64(int16(binary.LittleEndian.Uint16(raw))), true
	case "uint32":
		return float64(binary.LittleEndian.Uint32(raw)), true
	case "int32":
		return float64(int32(binary.LittleEndian.Uint32(raw))), true
	}
	return 0, false
}
