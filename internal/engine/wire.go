package engine

import (
	"encoding/binary"
	"fmt"
)

// Wire format: a fixed 32-byte little-endian header followed by a JSON
// payload. Replies reuse the header with msgReply and carry either the
// handler's serialized result or a fault string.

const (
	msgAm    = uint8(1)
	msgReply = uint8(2)

	flagBroadcast = uint8(1 << 0)

	replyOK    = uint32(0)
	replyFault = uint32(1)

	headerSize = 32
)

type header struct {
	MsgType    uint8
	Flags      uint8
	TeamID     uint32
	HandlerID  HandlerID
	Origin     uint32 // global PE awaiting completion
	ReqID      uint64
	PayloadLen uint32
	Aux        uint32 // broadcast root rank on msgAm, status on msgReply
}

func (h *header) encode(buf []byte) {
	buf[0] = h.MsgType
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	binary.LittleEndian.PutUint32(buf[4:8], h.TeamID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.HandlerID))
	binary.LittleEndian.PutUint32(buf[12:16], h.Origin)
	binary.LittleEndian.PutUint64(buf[16:24], h.ReqID)
	binary.LittleEndian.PutUint32(buf[24:28], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[28:32], h.Aux)
}

func decodeHeader(data []byte) (header, error) {
	if len(data) < headerSize {
		return header{}, fmt.Errorf("message of %d bytes shorter than header", len(data))
	}
	h := header{
		MsgType:    data[0],
		Flags:      data[1],
		TeamID:     binary.LittleEndian.Uint32(data[4:8]),
		HandlerID:  HandlerID(binary.LittleEndian.Uint32(data[8:12])),
		Origin:     binary.LittleEndian.Uint32(data[12:16]),
		ReqID:      binary.LittleEndian.Uint64(data[16:24]),
		PayloadLen: binary.LittleEndian.Uint32(data[24:28]),
		Aux:        binary.LittleEndian.Uint32(data[28:32]),
	}
	if int(h.PayloadLen) != len(data)-headerSize {
		return header{}, fmt.Errorf("payload length %d does not match frame of %d bytes",
			h.PayloadLen, len(data))
	}
	return h, nil
}

// frame serializes header+payload into one buffer.
func frame(h header, payload []byte) []byte {
	h.PayloadLen = uint32(len(payload))
	buf := make([]byte, headerSize+len(payload))
	h.encode(buf)
	copy(buf[headerSize:], payload)
	return buf
}
