// Package wire is the device-host binary protocol.
//
// Frame binary representation: field:size in bytes
// length:2 type:1 payload:var crc:2
// Length is big endian count of bytes after itself (type + payload + crc).
// CRC-16/CCITT-FALSE covers length, type and payload.
//
// Payloads are tag/varint encoded fields in protobuf wire format,
// so both sides can add fields without breaking older peers.
// Unknown frame types are checksum validated, then skipped.
//
// Stream decoding is resumable: Decoder buffers partial frames
// and yields only complete, checksum-valid frames.
package wire
