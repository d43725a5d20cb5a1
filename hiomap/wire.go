package hiomap

import "encoding/binary"

// Command identifies a HIOMAP command, per spec §4.6.
type Command uint8

const (
	CmdReset              Command = 0x01
	CmdGetInfo            Command = 0x02
	CmdGetFlashInfo       Command = 0x03
	CmdCreateReadWindow   Command = 0x04
	CmdCreateWriteWindow  Command = 0x06
	CmdCloseWindow        Command = 0x07
	CmdMarkDirty          Command = 0x08
	CmdFlush              Command = 0x09
	CmdAck                Command = 0x0A
	CmdErase              Command = 0x0B
)

// ProtocolVersion is the only version this client negotiates.
const ProtocolVersion uint8 = 2

// NetFnOEM and CmdOEM identify the IPMI OEM command HIOMAP rides on, per spec §6.
const (
	NetFnOEM = 0x3A
	CmdOEM   = 0x5A
)

// CloseWindowFlag values for the CLOSE_WINDOW request's flags(1) field.
const (
	CloseWindowNone       uint8 = 0x00
	CloseWindowFlush      uint8 = 0x01 // flush before close (write windows)
)

func putU16(dst []byte, v uint16) { binary.LittleEndian.PutUint16(dst, v) }
func getU16(src []byte) uint16    { return binary.LittleEndian.Uint16(src) }

// encodeTwoFields builds the command payload (without the [cmd, seq] prefix,
// which the transport layer is responsible for) for a request carrying
// up to two 16-bit block-unit fields, matching the two-field shape used
// by CREATE_*_WINDOW, MARK_DIRTY, and ERASE.
func encodeTwoFields(a, b uint16) []byte {
	buf := make([]byte, 4)
	putU16(buf[0:2], a)
	putU16(buf[2:4], b)
	return buf
}

// windowResponse is the common 3-field response shape of
// CREATE_READ_WINDOW / CREATE_WRITE_WINDOW: lpc_off, granted_len, flash_off.
type windowResponse struct {
	LPCOffsetBlocks   uint16
	GrantedLenBlocks  uint16
	FlashOffsetBlocks uint16
}

func decodeWindowResponse(data []byte) (windowResponse, bool) {
	if len(data) < 6 {
		return windowResponse{}, false
	}
	return windowResponse{
		LPCOffsetBlocks:   getU16(data[0:2]),
		GrantedLenBlocks:  getU16(data[2:4]),
		FlashOffsetBlocks: getU16(data[4:6]),
	}, true
}

// getInfoResponse is GET_INFO's response shape: ver(1), shift(1), timeout(2).
type getInfoResponse struct {
	Version        uint8
	BlockSizeShift uint8
	TimeoutSeconds uint16
}

func decodeGetInfoResponse(data []byte) (getInfoResponse, bool) {
	if len(data) < 4 {
		return getInfoResponse{}, false
	}
	return getInfoResponse{
		Version:        data[0],
		BlockSizeShift: data[1],
		TimeoutSeconds: getU16(data[2:4]),
	}, true
}

// getFlashInfoResponse is GET_FLASH_INFO's response: total_size(2), erase_granule(2).
type getFlashInfoResponse struct {
	TotalSizeBlocks     uint16
	EraseGranuleBlocks uint16
}

func decodeGetFlashInfoResponse(data []byte) (getFlashInfoResponse, bool) {
	if len(data) < 4 {
		return getFlashInfoResponse{}, false
	}
	return getFlashInfoResponse{
		TotalSizeBlocks:    getU16(data[0:2]),
		EraseGranuleBlocks: getU16(data[2:4]),
	}, true
}
