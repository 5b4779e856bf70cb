package util

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteUint writes an integer of ptrSize bytes to writer, in the specified byte order.
func WriteUint(writer io.Writer, order binary.ByteOrder, ptrSize int, data uint64) error {
	switch ptrSize {
	case 1:
		return binary.Write(writer, order, uint8(data))
	case 2:
		return binary.Write(writer, order, uint16(data))
	case 4:
		return binary.Write(writer, order, uint32(data))
	case 8:
		return binary.Write(writer, order, data)
	}
	return fmt.Errorf("not supported ptr size %d", ptrSize)
}
