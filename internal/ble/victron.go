package ble

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
)

// VictronManufacturerID is Victron Energy's Bluetooth SIG company id.
const VictronManufacturerID = 0x02E1

// Victron record types (byte 4 of the advertisement payload).
const (
	victronRecordSolarCharger   = 0x01
	victronRecordBatteryMonitor = 0x02
	victronRecordInverter       = 0x03
	victronRecordDCDCConverter  = 0x04
	victronRecordSmartLithium   = 0x05
)

// Layout of a Victron "extra manufacturer data" advertisement:
//
//	0-1  manufacturer id (LE)
//	2    record flag
//	3    product id
//	4    record type
//	5-6  AES-CTR counter (LE)
//	7    first byte of the encryption key (integrity check)
//	8-   ciphertext
const victronHeaderLen = 8

// VictronParser decrypts and decodes Victron instant-readout broadcasts.
type VictronParser struct{}

// NewVictronParser returns the Victron codec.
func NewVictronParser() *VictronParser { return &VictronParser{} }

// Name implements Parser.
func (p *VictronParser) Name() string { return "victron" }

// Matches implements Parser.
func (p *VictronParser) Matches(data []byte) bool {
	id, ok := ManufacturerID(data)
	return ok && id == VictronManufacturerID && len(data) > victronHeaderLen
}

// Parse implements Parser. A missing or mismatched key yields an error and
// no record; the caller records the advertisement in raw form only.
func (p *VictronParser) Parse(data []byte, opts ParseOptions) (map[string]interface{}, error) {
	if !p.Matches(data) {
		return nil, fmt.Errorf("victron: not a victron advertisement")
	}
	if opts.EncryptionKey == "" {
		return nil, fmt.Errorf("victron: no encryption key on file")
	}
	key, err := hex.DecodeString(opts.EncryptionKey)
	if err != nil || len(key) != 16 {
		return nil, fmt.Errorf("victron: malformed encryption key")
	}
	if data[7] != key[0] {
		return nil, fmt.Errorf("victron: key check byte mismatch")
	}

	plain, err := decryptCTR(key, data[5], data[6], data[victronHeaderLen:])
	if err != nil {
		return nil, err
	}

	recordType := data[4]
	switch recordType {
	case victronRecordBatteryMonitor:
		return decodeBatteryMonitor(plain), nil
	case victronRecordSolarCharger:
		return decodeSolarCharger(plain), nil
	case victronRecordInverter:
		return decodeInverter(plain), nil
	case victronRecordDCDCConverter:
		return decodeDCDCConverter(plain), nil
	case victronRecordSmartLithium:
		return decodeSmartLithium(plain), nil
	default:
		return nil, fmt.Errorf("victron: unsupported record type 0x%02x", recordType)
	}
}

// decryptCTR runs AES-128-CTR with the 16-bit advertisement counter as the
// low bytes of the IV.
func decryptCTR(key []byte, counterLo, counterHi byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("victron: cipher init: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	iv[0] = counterLo
	iv[1] = counterHi

	plain := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plain, ciphertext)
	return plain, nil
}

// Field helpers: sentinel values mean "no reading" and decode to nil.

func readScaledUnsigned(r *bitReader, width int, scale float64) interface{} {
	raw, ok := r.readUnsigned(width)
	if !ok || raw == unsignedSentinel(width) {
		return nil
	}
	return float64(raw) * scale
}

func readScaledSigned(r *bitReader, width int, scale float64) interface{} {
	raw, ok := r.readSigned(width)
	if !ok || raw == signedSentinel(width) {
		return nil
	}
	return float64(raw) * scale
}

func readRawUnsigned(r *bitReader, width int) interface{} {
	raw, ok := r.readUnsigned(width)
	if !ok || raw == unsignedSentinel(width) {
		return nil
	}
	return float64(raw)
}

// decodeBatteryMonitor unpacks a BMV/SmartShunt frame:
// remainingMins:16, voltage:s16 (10 mV), alarm:16, aux:16, auxMode:2,
// current:s22 (1 mA), consumedAh:20 (0.1 Ah), soc:10 (0.1 %).
func decodeBatteryMonitor(plain []byte) map[string]interface{} {
	r := newBitReader(plain)

	remainingMins := readRawUnsigned(r, 16)
	voltage := readScaledSigned(r, 16, 0.01)
	alarm := readRawUnsigned(r, 16)
	aux := readRawUnsigned(r, 16)
	auxMode, _ := r.readUnsigned(2)
	current := readScaledSigned(r, 22, 0.001)
	consumedAh := readScaledUnsigned(r, 20, 0.1)
	soc := readScaledUnsigned(r, 10, 0.1)

	record := map[string]interface{}{
		"recordType":    "batteryMonitor",
		"remainingMins": remainingMins,
		"voltage":       voltage,
		"alarm":         alarm,
		"aux":           aux,
		"auxMode":       float64(auxMode),
		"current":       current,
		"consumedAh":    consumedAh,
		"soc":           soc,
		"power":         nil,
	}
	if v, okV := voltage.(float64); okV {
		if a, okA := current.(float64); okA {
			record["power"] = v * a
		}
	}
	return record
}

// decodeSolarCharger unpacks an MPPT frame:
// deviceState:8, chargerError:8, batteryVoltage:s16 (10 mV),
// batteryCurrent:s16 (0.1 A), yieldToday:16 (10 Wh), pvPower:16 (W),
// loadCurrent:9 (0.1 A).
func decodeSolarCharger(plain []byte) map[string]interface{} {
	r := newBitReader(plain)
	return map[string]interface{}{
		"recordType":     "solarCharger",
		"deviceState":    readRawUnsigned(r, 8),
		"chargerError":   readRawUnsigned(r, 8),
		"batteryVoltage": readScaledSigned(r, 16, 0.01),
		"batteryCurrent": readScaledSigned(r, 16, 0.1),
		"yieldToday":     readScaledUnsigned(r, 16, 10),
		"pvPower":        readRawUnsigned(r, 16),
		"loadCurrent":    readScaledUnsigned(r, 9, 0.1),
	}
}

// decodeInverter unpacks a Phoenix inverter frame:
// deviceState:8, alarm:16, batteryVoltage:s16 (10 mV),
// acApparentPower:16 (VA), acVoltage:15 (10 mV), acCurrent:11 (0.1 A).
func decodeInverter(plain []byte) map[string]interface{} {
	r := newBitReader(plain)
	return map[string]interface{}{
		"recordType":      "inverter",
		"deviceState":     readRawUnsigned(r, 8),
		"alarm":           readRawUnsigned(r, 16),
		"batteryVoltage":  readScaledSigned(r, 16, 0.01),
		"acApparentPower": readRawUnsigned(r, 16),
		"acVoltage":       readScaledUnsigned(r, 15, 0.01),
		"acCurrent":       readScaledUnsigned(r, 11, 0.1),
	}
}

// decodeDCDCConverter unpacks an Orion frame:
// deviceState:8, chargerError:8, inputVoltage:16 (10 mV),
// outputVoltage:s16 (10 mV), offReason:32.
func decodeDCDCConverter(plain []byte) map[string]interface{} {
	r := newBitReader(plain)
	return map[string]interface{}{
		"recordType":    "dcdcConverter",
		"deviceState":   readRawUnsigned(r, 8),
		"chargerError":  readRawUnsigned(r, 8),
		"inputVoltage":  readScaledUnsigned(r, 16, 0.01),
		"outputVoltage": readScaledSigned(r, 16, 0.01),
		"offReason":     readRawUnsigned(r, 32),
	}
}

// decodeSmartLithium unpacks a lithium battery frame:
// bmsFlags:32, error:16, cellVoltages 8x7 (10 mV + 2.60 V offset),
// batteryVoltage:12 (10 mV), balancerStatus:4, temperature:7 (degC - 40).
func decodeSmartLithium(plain []byte) map[string]interface{} {
	r := newBitReader(plain)

	bmsFlags := readRawUnsigned(r, 32)
	errorFlags := readRawUnsigned(r, 16)
	cells := make([]interface{}, 0, 8)
	for i := 0; i < 8; i++ {
		raw, ok := r.readUnsigned(7)
		if !ok || raw == unsignedSentinel(7) {
			cells = append(cells, nil)
			continue
		}
		cells = append(cells, 2.60+float64(raw)*0.01)
	}
	batteryVoltage := readScaledUnsigned(r, 12, 0.01)
	balancer := readRawUnsigned(r, 4)

	var temperature interface{}
	if raw, ok := r.readUnsigned(7); ok && raw != unsignedSentinel(7) {
		temperature = float64(raw) - 40
	}

	return map[string]interface{}{
		"recordType":     "smartLithium",
		"bmsFlags":       bmsFlags,
		"error":          errorFlags,
		"cellVoltages":   cells,
		"batteryVoltage": batteryVoltage,
		"balancerStatus": balancer,
		"temperature":    temperature,
	}
}
