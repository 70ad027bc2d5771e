package spead

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Packet header layout, all fields big endian:
//
//	magic (1) | version (1) | flags (1) | address bytes (1)
//	heap cnt (8) | item version (8)
//	heap length (address bytes) | payload offset (address bytes)
const (
	headerMagic   = 0x53
	headerVersion = 1
	fixedHeader   = 20

	// FlagEnd marks the end-of-stream heap.
	FlagEnd = 1 << 0
)

var errBadHeader = errors.New("bad packet header")

// PacketHeader describes the packet of a heap.
type PacketHeader struct {
	Flags      byte
	Cnt        uint64
	Version    uint64
	HeapLength uint64
	Offset     uint64
}

// HeaderSize returns the header size for the given heap address width.
func HeaderSize(addrBits int) int {
	return fixedHeader + 2*(addrBits/8)
}

// AppendHeader appends the encoded header to dst.
func AppendHeader(dst []byte, h PacketHeader, addrBits int) []byte {
	n := addrBits / 8
	dst = append(dst, headerMagic, headerVersion, h.Flags, byte(n))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h.Cnt)
	dst = append(dst, b[:]...)
	binary.BigEndian.PutUint64(b[:], h.Version)
	dst = append(dst, b[:]...)
	binary.BigEndian.PutUint64(b[:], h.HeapLength)
	dst = append(dst, b[8-n:]...)
	binary.BigEndian.PutUint64(b[:], h.Offset)
	return append(dst, b[8-n:]...)
}

// ParseHeader decodes the header at the start of pkt and returns the
// remaining payload.
func ParseHeader(pkt []byte, addrBits int) (PacketHeader, []byte, error) {
	size := HeaderSize(addrBits)
	if len(pkt) < size {
		return PacketHeader{}, nil, fmt.Errorf("%w: %d bytes", errBadHeader, len(pkt))
	}
	if pkt[0] != headerMagic || pkt[1] != headerVersion || int(pkt[3]) != addrBits/8 {
		return PacketHeader{}, nil, fmt.Errorf("%w: % x", errBadHeader, pkt[:4])
	}
	n := addrBits / 8
	h := PacketHeader{
		Flags:      pkt[2],
		Cnt:        binary.BigEndian.Uint64(pkt[4:12]),
		Version:    binary.BigEndian.Uint64(pkt[12:20]),
		HeapLength: uintN(pkt[20 : 20+n]),
		Offset:     uintN(pkt[20+n : 20+2*n]),
	}
	payload := pkt[size:]
	if h.Offset+uint64(len(payload)) > h.HeapLength {
		return PacketHeader{}, nil, fmt.Errorf("%w: payload [%d, %d) beyond heap length %d",
			errBadHeader, h.Offset, h.Offset+uint64(len(payload)), h.HeapLength)
	}
	return h, payload, nil
}

func uintN(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
