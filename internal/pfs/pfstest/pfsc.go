package pfstest

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
)

// WrapPFSC stores payload as a PFSC container with the given block size,
// deflating each sector that compresses and storing the rest raw. The
// payload length must be a whole number of blocks.
func WrapPFSC(payload []byte, blockSize uint32) []byte {
	if len(payload)%int(blockSize) != 0 {
		panic(fmt.Sprintf("pfstest: payload of %d bytes is not block aligned", len(payload)))
	}

	const (
		mapOffset = 0x400
		dataStart = 0x10000
	)

	sectors := len(payload) / int(blockSize)
	sectorMap := make([]uint64, 0, sectors+1)
	sectorMap = append(sectorMap, dataStart)

	var stored [][]byte
	for i := 0; i < sectors; i++ {
		sector := payload[i*int(blockSize) : (i+1)*int(blockSize)]

		var z bytes.Buffer
		zw := zlib.NewWriter(&z)
		if _, err := zw.Write(sector); err != nil {
			panic(err)
		}
		if err := zw.Close(); err != nil {
			panic(err)
		}

		if z.Len() < int(blockSize) {
			stored = append(stored, append([]byte(nil), z.Bytes()...))
		} else {
			stored = append(stored, sector)
		}

		sectorMap = append(sectorMap, sectorMap[i]+uint64(len(stored[i])))
	}

	image := make([]byte, sectorMap[sectors])
	binary.LittleEndian.PutUint32(image[0x00:], 0x43534650)
	binary.LittleEndian.PutUint32(image[0x08:], 2)
	binary.LittleEndian.PutUint32(image[0x0C:], blockSize)
	binary.LittleEndian.PutUint64(image[0x10:], uint64(blockSize))
	binary.LittleEndian.PutUint64(image[0x18:], mapOffset)
	binary.LittleEndian.PutUint64(image[0x20:], dataStart)
	binary.LittleEndian.PutUint64(image[0x28:], uint64(len(payload)))

	for i, off := range sectorMap {
		binary.LittleEndian.PutUint64(image[mapOffset+i*8:], off)
	}

	for i, data := range stored {
		copy(image[sectorMap[i]:], data)
	}

	return image
}
