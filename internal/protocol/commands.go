package protocol

import (
	"encoding/binary"
	"time"
)

// ESP8266 ROM bootloader commands. Unlike later chips, the ESP8266 ROM
// has no SPI_ATTACH or deflate commands - images are always sent
// uncompressed and the flash chip needs no separate attach step.
const (
	CmdFlashBegin = 0x02
	CmdFlashData  = 0x03
	CmdFlashEnd   = 0x04
	CmdMemBegin   = 0x05
	CmdMemEnd     = 0x06
	CmdMemData    = 0x07
	CmdSync       = 0x08
	CmdReadReg    = 0x0A
)

// Direction byte values.
const (
	DirRequest  = 0x00
	DirResponse = 0x01
)

// Flash geometry constants used throughout the write path.
const (
	FlashWriteBlockSize = 0x400  // bytes per FLASH_DATA/MEM_DATA block
	FlashSectorSize     = 0x1000 // erase granularity
	SectorsPerBlock     = 16     // 64KB erase block / 4KB sector
)

// Per-command timeouts. FLASH_BEGIN can block for tens of seconds
// while the ROM erases flash; FLASH_DATA and MEM_DATA are bounded by
// how long a single 1KB write takes.
const (
	SyncTimeout      = 200 * time.Millisecond
	ReadRegTimeout   = 200 * time.Millisecond
	FlashBeginTimeout = 30 * time.Second
	FlashDataTimeout  = 10 * time.Second
	FlashEndTimeout   = 10 * time.Second
	MemBeginTimeout   = 200 * time.Millisecond
	MemDataTimeout    = 200 * time.Millisecond
	MemEndTimeout     = 200 * time.Millisecond
)

// ROM error codes seen in a response's last-error byte.
const (
	ErrInvalidMessage  = 0x05
	ErrFailedToAct     = 0x06
	ErrInvalidCRC      = 0x07
	ErrFlashWriteErr   = 0x08
	ErrFlashReadErr    = 0x09
	ErrFlashReadLenErr = 0x0A
	ErrDeflateError    = 0x0B
)

// ErrorMessage returns a human-readable description of a ROM error code.
func ErrorMessage(code byte) string {
	switch code {
	case ErrInvalidMessage:
		return "invalid message"
	case ErrFailedToAct:
		return "failed to act"
	case ErrInvalidCRC:
		return "invalid CRC"
	case ErrFlashWriteErr:
		return "flash write error"
	case ErrFlashReadErr:
		return "flash read error"
	case ErrFlashReadLenErr:
		return "flash read length error"
	case ErrDeflateError:
		return "deflate error"
	default:
		return "unknown error"
	}
}

// SyncData returns the payload for the SYNC command: the fixed
// 0x07 0x07 0x12 0x20 marker followed by 32 bytes of 0x55.
func SyncData() []byte {
	data := make([]byte, 36)
	data[0] = 0x07
	data[1] = 0x07
	data[2] = 0x12
	data[3] = 0x20
	for i := 4; i < 36; i++ {
		data[i] = 0x55
	}
	return data
}

// ReadRegData returns the payload for a READ_REG command against addr.
func ReadRegData(addr uint32) []byte {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, addr)
	return data
}

// FlashBeginData returns the payload for FLASH_BEGIN: erase size,
// block count, block size, and target offset.
func FlashBeginData(eraseSize, numBlocks, blockSize, offset uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], eraseSize)
	binary.LittleEndian.PutUint32(data[4:8], numBlocks)
	binary.LittleEndian.PutUint32(data[8:12], blockSize)
	binary.LittleEndian.PutUint32(data[12:16], offset)
	return data
}

// FlashDataData returns the payload for a FLASH_DATA block: length,
// sequence number, then the (already padded-to-block-size) bytes.
func FlashDataData(block []byte, seq uint32) []byte {
	payload := make([]byte, 16+len(block))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(block)))
	binary.LittleEndian.PutUint32(payload[4:8], seq)
	copy(payload[16:], block)
	return payload
}

// FlashEndData returns the payload for FLASH_END. execFlag matches
// the ROM's own sense: a non-zero value reboots into the freshly
// written firmware, zero leaves the device sitting in the bootloader.
func FlashEndData(execFlag uint32) []byte {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, execFlag)
	return data
}

// MemBeginData returns the payload for MEM_BEGIN: total size, block
// count, block size, and the RAM load address.
func MemBeginData(size, numBlocks, blockSize, loadAddress uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], size)
	binary.LittleEndian.PutUint32(data[4:8], numBlocks)
	binary.LittleEndian.PutUint32(data[8:12], blockSize)
	binary.LittleEndian.PutUint32(data[12:16], loadAddress)
	return data
}

// MemDataData returns the payload for a MEM_DATA block: length,
// sequence number, then the bytes (unpadded - MEM_DATA, unlike
// FLASH_DATA, takes exactly as many bytes as are left).
func MemDataData(block []byte, seq uint32) []byte {
	payload := make([]byte, 16+len(block))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(block)))
	binary.LittleEndian.PutUint32(payload[4:8], seq)
	copy(payload[16:], block)
	return payload
}

// MemEndData returns the payload for MEM_END: whether to jump to the
// uploaded code (execFlag) and the entry point to jump to.
func MemEndData(execFlag, entryPoint uint32) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], execFlag)
	binary.LittleEndian.PutUint32(data[4:8], entryPoint)
	return data
}

// BlocksFor returns the number of FlashWriteBlockSize blocks needed to
// hold n bytes, rounding up.
func BlocksFor(n int) uint32 {
	blocks := n / FlashWriteBlockSize
	if n%FlashWriteBlockSize != 0 {
		blocks++
	}
	return uint32(blocks)
}
