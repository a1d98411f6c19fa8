// Package pci models the PCI/PCIe function descriptors exposed by the
// emulated controller: configuration space, capability chains, BARs,
// routing IDs and MSI-X tables.
package pci

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ConfigSpaceSize is the full PCIe extended config space size (4KB).
const ConfigSpaceSize = 4096

// ConfigSpaceLegacySize is the legacy PCI config space size (256 bytes).
const ConfigSpaceLegacySize = 256

// Type 0 header offsets
const (
	RegVendorID      = 0x00
	RegDeviceID      = 0x02
	RegCommand       = 0x04
	RegStatus        = 0x06
	RegRevisionID    = 0x08
	RegClassCode     = 0x09
	RegHeaderType    = 0x0E
	RegBAR0          = 0x10
	RegSubsysVendor  = 0x2C
	RegSubsysID      = 0x2E
	RegCapabilityPtr = 0x34
	RegInterruptPin  = 0x3D
)

// Command register bits
const (
	CommandIOSpace     uint16 = 1 << 0
	CommandMemorySpace uint16 = 1 << 1
	CommandBusMaster   uint16 = 1 << 2
	CommandINTxDisable uint16 = 1 << 10
)

// StatusCapabilitiesList marks a populated capability pointer.
const StatusCapabilitiesList uint16 = 1 << 4

// ConfigSpace is the 4 KiB configuration space of one function.
type ConfigSpace struct {
	Data [ConfigSpaceSize]byte
}

// NewConfigSpace creates an empty ConfigSpace.
func NewConfigSpace() *ConfigSpace {
	return &ConfigSpace{}
}

func inRange(offset, size int) bool {
	return offset >= 0 && size > 0 && offset+size <= ConfigSpaceSize
}

// ReadU8 reads one byte at offset; out of range reads return 0.
func (cs *ConfigSpace) ReadU8(offset int) uint8 {
	if !inRange(offset, 1) {
		return 0
	}
	return cs.Data[offset]
}

// ReadU16 reads a little-endian uint16 at offset.
func (cs *ConfigSpace) ReadU16(offset int) uint16 {
	if !inRange(offset, 2) {
		return 0
	}
	return binary.LittleEndian.Uint16(cs.Data[offset:])
}

// ReadU32 reads a little-endian uint32 at offset.
func (cs *ConfigSpace) ReadU32(offset int) uint32 {
	if !inRange(offset, 4) {
		return 0
	}
	return binary.LittleEndian.Uint32(cs.Data[offset:])
}

// WriteU8 writes one byte at offset.
func (cs *ConfigSpace) WriteU8(offset int, val uint8) {
	if inRange(offset, 1) {
		cs.Data[offset] = val
	}
}

// WriteU16 writes a little-endian uint16 at offset.
func (cs *ConfigSpace) WriteU16(offset int, val uint16) {
	if inRange(offset, 2) {
		binary.LittleEndian.PutUint16(cs.Data[offset:], val)
	}
}

// WriteU32 writes a little-endian uint32 at offset.
func (cs *ConfigSpace) WriteU32(offset int, val uint32) {
	if inRange(offset, 4) {
		binary.LittleEndian.PutUint32(cs.Data[offset:], val)
	}
}

// Read returns size (1, 2 or 4) bytes at offset as a value.
func (cs *ConfigSpace) Read(offset, size int) uint32 {
	switch size {
	case 1:
		return uint32(cs.ReadU8(offset))
	case 2:
		return uint32(cs.ReadU16(offset))
	case 4:
		return cs.ReadU32(offset)
	}
	return 0
}

// VendorID returns the Vendor ID (offset 0x00).
func (cs *ConfigSpace) VendorID() uint16 { return cs.ReadU16(RegVendorID) }

// DeviceID returns the Device ID (offset 0x02).
func (cs *ConfigSpace) DeviceID() uint16 { return cs.ReadU16(RegDeviceID) }

// Command returns the Command register (offset 0x04).
func (cs *ConfigSpace) Command() uint16 { return cs.ReadU16(RegCommand) }

// RevisionID returns the Revision ID (offset 0x08).
func (cs *ConfigSpace) RevisionID() uint8 { return cs.ReadU8(RegRevisionID) }

// ClassCode returns the 24-bit class code.
func (cs *ConfigSpace) ClassCode() uint32 {
	return uint32(cs.ReadU8(RegClassCode+2))<<16 | uint32(cs.ReadU8(RegClassCode+1))<<8 | uint32(cs.ReadU8(RegClassCode))
}

// SetClassCode writes the 24-bit class code.
func (cs *ConfigSpace) SetClassCode(code uint32) {
	cs.WriteU8(RegClassCode, uint8(code))
	cs.WriteU8(RegClassCode+1, uint8(code>>8))
	cs.WriteU8(RegClassCode+2, uint8(code>>16))
}

// BAR returns the raw Base Address Register at index (0-5).
func (cs *ConfigSpace) BAR(index int) uint32 {
	if index < 0 || index >= NumBARs {
		return 0
	}
	return cs.ReadU32(RegBAR0 + index*4)
}

// HexDump returns a hex dump of the first maxBytes bytes for debugging.
func (cs *ConfigSpace) HexDump(maxBytes int) string {
	if maxBytes <= 0 || maxBytes > ConfigSpaceSize {
		maxBytes = ConfigSpaceSize
	}

	var sb strings.Builder
	for i := 0; i < maxBytes; i += 16 {
		sb.WriteString(fmt.Sprintf("%03x: ", i))
		for j := 0; j < 16 && i+j < maxBytes; j++ {
			sb.WriteString(fmt.Sprintf("%02x ", cs.Data[i+j]))
			if j == 7 {
				sb.WriteString(" ")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
