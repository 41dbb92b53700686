// Package crc implements CRC-16/CCITT-FALSE used as the wire frame checksum.
// poly=0x1021 init=0xffff refin=false refout=false xorout=0
package crc

const CRC16_POLY_CCITT uint16 = 0x1021
const CRC16_INIT uint16 = 0xffff

var table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		table[i] = CRC16_reference(0, byte(i))
	}
}

// Bitwise single byte step, used to build lookup table and in tests.
func CRC16_reference(crc uint16, data byte) uint16 {
	crc ^= uint16(data) << 8
	for i := 0; i < 8; i++ {
		if (crc & 0x8000) != 0 {
			crc = (crc << 1) ^ CRC16_POLY_CCITT
		} else {
			crc <<= 1
		}
	}
	return crc
}

func CRC16_next(crc uint16, data byte) uint16 {
	return (crc << 8) ^ table[byte(crc>>8)^data]
}

func CRC16_n(crc uint16, bs []byte) uint16 {
	for _, b := range bs {
		crc = (crc << 8) ^ table[byte(crc>>8)^b]
	}
	return crc
}

// CRC16 of bs with standard init value.
func CRC16(bs []byte) uint16 { return CRC16_n(CRC16_INIT, bs) }
