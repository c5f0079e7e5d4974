package mcap

import (
	"hash"
	"hash/crc32"
)

// crcTable is the Castagnoli polynomial table used for every chunk and
// record CRC in this package.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

func newCRC() hash.Hash32 { return crc32.New(crcTable) }

func checksumCRC(b []byte) uint32 { return crc32.Checksum(b, crcTable) }
