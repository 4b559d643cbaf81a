package addrkey

import (
	"encoding/binary"
	"fmt"
)

// diskTxPosSize is the fixed encoded size of a DiskTxPos: file id, block
// offset, and tx offset, each as a fixed-width integer so the value's script
// suffix can be located without scanning.
const diskTxPosSize = 4 + 8 + 8

// Value is the payload stored alongside every full Key: the location of the
// referencing transaction on disk, plus a full copy of the script. Storing
// the script here -- rather than just the DiskTxPos -- is what lets the
// query surface reject AddrId hash collisions without an extra block-file
// read per hit.
type Value struct {
	Pos    DiskTxPos
	Script []byte
}

// EncodeValue serializes v as a fixed-width DiskTxPos followed by a
// length-prefixed script.
func EncodeValue(v Value) []byte {
	buf := make([]byte, diskTxPosSize+4+len(v.Script))

	binary.BigEndian.PutUint32(buf[0:4], v.Pos.FileID)
	binary.BigEndian.PutUint64(buf[4:12], v.Pos.BlockOffset)
	binary.BigEndian.PutUint64(buf[12:20], v.Pos.TxOffset)
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(v.Script)))
	copy(buf[24:], v.Script)

	return buf
}

// DecodeValue parses a value previously produced by EncodeValue.
func DecodeValue(data []byte) (Value, error) {
	if len(data) < diskTxPosSize+4 {
		return Value{}, fmt.Errorf(
			"addrkey: value too short (%d bytes)", len(data),
		)
	}

	pos := DiskTxPos{
		FileID:      binary.BigEndian.Uint32(data[0:4]),
		BlockOffset: binary.BigEndian.Uint64(data[4:12]),
		TxOffset:    binary.BigEndian.Uint64(data[12:20]),
	}

	scriptLen := binary.BigEndian.Uint32(data[20:24])
	rest := data[24:]
	if uint64(len(rest)) < uint64(scriptLen) {
		return Value{}, fmt.Errorf(
			"addrkey: value declares %d-byte script but only %d "+
				"bytes remain", scriptLen, len(rest),
		)
	}

	script := make([]byte, scriptLen)
	copy(script, rest[:scriptLen])

	return Value{Pos: pos, Script: script}, nil
}
