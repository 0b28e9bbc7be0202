package trackpage

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Shared fields are big endian in memory but must be published with single
// word stores, so that a reader never sees half of an update.

func loadBE32(mem []byte, off int) uint32 {
	if off < 0 || off+4 > len(mem) || off%4 != 0 {
		return 0
	}
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[off]))))
	return binary.BigEndian.Uint32(b[:])
}

func storeBE32(mem []byte, off int, v uint32) {
	if off < 0 || off+4 > len(mem) || off%4 != 0 {
		return
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[off])), binary.NativeEndian.Uint32(b[:]))
}
