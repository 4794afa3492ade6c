package store

import (
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/cpuid/v2"
)

// crcTable picks the Castagnoli polynomial table when the CPU has a
// hardware CRC32 instruction (SSE4.2 on x86, or the ARM64 CRC32 extension),
// falling back to the IEEE table used throughout the rest of this package's
// on-disk formats otherwise. This mirrors the teacher's dependency on
// klauspost/cpuid for exactly this kind of narrow hardware-capability check
// — a real but small hook, not a general-purpose accelerated CRC library.
var crcTable = func() *crc32.Table {
	if cpuid.CPU.Supports(cpuid.SSE42) || cpuid.CPU.Supports(cpuid.CRC32) {
		return crc32.MakeTable(crc32.Castagnoli)
	}
	return crc32.IEEETable
}()

// FileCRC32 is fileCRC32 exported for callers outside this package (the
// root scr package's sidecar-writing path) that need the same
// hardware-accelerated-when-available CRC32 without duplicating the table
// selection.
func FileCRC32(path string) (uint32, error) {
	return fileCRC32(path)
}

// fileCRC32 streams path through crcTable without loading it into memory,
// matching sidecar.CRC32 and §4.2/§4.7's "optionally CRC32 it" checks.
func fileCRC32(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := crc32.New(crcTable)
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}
