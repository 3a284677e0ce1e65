package zb8

import (
	"github.com/laczen/go-zepboot/flash"
)

// SlotKind selects one of the four views of a slot area.
type SlotKind int

const (
	// Run is the slot the active image executes from.
	Run SlotKind = iota

	// Move is the backup staging slot used during a swap. When it
	// aliases Upgrade the area is of the inplace type and the prior
	// image is lost after a swap.
	Move

	// Upgrade is the staging slot a new image is uploaded into.
	Upgrade

	// Swpstat is the append-only command log persisting swap progress.
	// May be zero-sized for inplace areas.
	Swpstat
)

// SlotInfo is an open view over a flash range.
type SlotInfo struct {
	Offset uint32
	Size   uint32
	Device flash.Device
}

// SlotArea describes one slot area: four views over flash ranges. Run, Move
// and Upgrade must be the same size.
type SlotArea struct {
	RunOffset     uint32
	MoveOffset    uint32
	UpgradeOffset uint32
	SwpstatOffset uint32

	RunSize     uint32
	MoveSize    uint32
	UpgradeSize uint32
	SwpstatSize uint32

	RunDevice     flash.Device
	MoveDevice    flash.Device
	UpgradeDevice flash.Device
	SwpstatDevice flash.Device
}

// SlotMap is the static table of slot areas, fixed at startup.
type SlotMap []SlotArea

// Count returns the number of slot areas.
func (sm SlotMap) Count() int {
	return len(sm)
}

// Open returns the requested view of area smIdx.
func (sm SlotMap) Open(smIdx int, kind SlotKind) (info SlotInfo, err error) {
	if smIdx < 0 || smIdx >= len(sm) {
		return info, ErrInvalidArgument
	}

	area := sm[smIdx]

	switch kind {
	case Run:
		info = SlotInfo{area.RunOffset, area.RunSize, area.RunDevice}
	case Move:
		info = SlotInfo{area.MoveOffset, area.MoveSize, area.MoveDevice}
	case Upgrade:
		info = SlotInfo{area.UpgradeOffset, area.UpgradeSize, area.UpgradeDevice}
	case Swpstat:
		info = SlotInfo{area.SwpstatOffset, area.SwpstatSize, area.SwpstatDevice}
	default:
		return info, ErrInvalidArgument
	}

	return info, nil
}

// SectorSize returns the swap sector size of area smIdx: the distance
// between the move slot and the run slot. Zero when smIdx is out of range.
func (sm SlotMap) SectorSize(smIdx int) uint32 {
	if smIdx < 0 || smIdx >= len(sm) {
		return 0
	}

	return sm[smIdx].MoveOffset - sm[smIdx].RunOffset
}

// Inplace reports whether area smIdx is of the inplace type (move aliases
// upgrade, so there is no backup of the prior image).
func (sm SlotMap) Inplace(smIdx int) bool {
	if smIdx < 0 || smIdx >= len(sm) {
		return false
	}

	return sm[smIdx].MoveOffset == sm[smIdx].UpgradeOffset
}

// RangeIn reports whether [address, address+length) falls inside the slot.
func (si SlotInfo) RangeIn(address uint32, length uint32) bool {
	return address >= si.Offset && address+length <= si.Offset+si.Size
}
