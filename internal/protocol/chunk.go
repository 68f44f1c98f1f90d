// Package protocol implements the libdrop wire protocol: JSON control
// messages and length-prefixed binary chunk frames, grounded on the
// teacher's pkg/protocol.Packet framing and the v6 grammar described in
// spec.md §4.2.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Chunk is one binary WS frame: u32-LE id_len, the FileId as UTF-8, then
// the raw chunk payload.
type Chunk struct {
	FileID string
	Data   []byte
}

const lenSize = 4

// DecodeChunk parses a binary WS frame into a Chunk. id_len must be
// strictly less than the frame length, matching spec.md's framing rule.
func DecodeChunk(msg []byte) (Chunk, error) {
	if len(msg) <= lenSize {
		return Chunk{}, fmt.Errorf("binary message too short")
	}

	idLen := binary.LittleEndian.Uint32(msg[:lenSize])
	idEnd := lenSize + int(idLen)

	if idEnd >= len(msg) {
		return Chunk{}, fmt.Errorf("invalid file id length")
	}

	fileID := string(msg[lenSize:idEnd])
	if fileID == "" {
		return Chunk{}, fmt.Errorf("empty file id")
	}

	data := make([]byte, len(msg)-idEnd)
	copy(data, msg[idEnd:])

	return Chunk{FileID: fileID, Data: data}, nil
}

// Encode serializes a Chunk back into the wire framing.
func (c Chunk) Encode() []byte {
	id := []byte(c.FileID)
	buf := make([]byte, lenSize+len(id)+len(c.Data))
	binary.LittleEndian.PutUint32(buf[:lenSize], uint32(len(id)))
	copy(buf[lenSize:], id)
	copy(buf[lenSize+len(id):], c.Data)
	return buf
}
