// Package ble runs the Bluetooth scan loop and decodes manufacturer
// advertisement data into sensor records for the state document.
package ble

import "encoding/binary"

// ParseOptions carries per-device decoding inputs.
type ParseOptions struct {
	// EncryptionKey is the device's 16-byte AES key, hex encoded. Empty
	// when the device has no key on file.
	EncryptionKey string
}

// Parser decodes one manufacturer's advertisement format.
type Parser interface {
	Name() string
	Matches(data []byte) bool
	Parse(data []byte, opts ParseOptions) (map[string]interface{}, error)
}

// ManufacturerID extracts the little-endian company identifier from a
// manufacturer-data field.
func ManufacturerID(data []byte) (uint16, bool) {
	if len(data) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(data[:2]), true
}

// Registry maps manufacturer identifiers to parsers.
type Registry struct {
	parsers []Parser
}

// NewRegistry returns a registry preloaded with the built-in parsers.
func NewRegistry() *Registry {
	return &Registry{parsers: []Parser{NewVictronParser()}}
}

// Register appends a parser. Later registrations do not shadow earlier
// ones; the first match wins.
func (r *Registry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
}

// FindParserFor returns the parser claiming this advertisement, or nil.
func (r *Registry) FindParserFor(data []byte) Parser {
	for _, p := range r.parsers {
		if p.Matches(data) {
			return p
		}
	}
	return nil
}
