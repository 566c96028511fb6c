package disk

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

const (
	recordMagic   = uint32(0x43524354) // "CRCT"
	recordVersion = uint8(1)
	headerSize    = 16
)

type recordType uint8

const (
	recordEvent recordType = iota + 1
	recordAction
	recordActionExecuted
)

func encodeRecord(recType recordType, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], recordMagic)
	buf[4] = recordVersion
	buf[5] = byte(recType)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[12:16], crc32.ChecksumIEEE(payload))
	copy(buf[headerSize:], payload)
	return buf
}

// scanLog reads every intact record and reports the offset of the first
// damaged byte, if any. A short header, bad magic, short payload or checksum
// mismatch ends the scan; everything before it is trusted.
func scanLog(f *os.File, visit func(recType recordType, payload []byte) error) (goodEnd int64, damaged bool, err error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, false, err
	}
	header := make([]byte, headerSize)
	var off int64
	for {
		_, err := io.ReadFull(f, header)
		if err == io.EOF {
			return off, false, nil
		}
		if err == io.ErrUnexpectedEOF {
			return off, true, nil
		}
		if err != nil {
			return off, false, err
		}
		if binary.LittleEndian.Uint32(header[0:4]) != recordMagic || header[4] != recordVersion {
			return off, true, nil
		}
		recType := recordType(header[5])
		payloadLen := binary.LittleEndian.Uint32(header[8:12])
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(f, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return off, true, nil
			}
			return off, false, err
		}
		if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(header[12:16]) {
			return off, true, nil
		}
		if err := visit(recType, payload); err != nil {
			return off, false, fmt.Errorf("disk: log record at offset %d: %w", off, err)
		}
		off += int64(headerSize) + int64(payloadLen)
	}
}
