// Package address validates drive/slot coordinates of the lake.
package address

import (
	"hash/fnv"
	"slices"

	lakeerrors "github.com/maruel/memlake/internal/errors"
)

// DriveID is one of the symbolic namespaces partitioning the address space.
type DriveID string

// Drives.
const (
	DriveL   DriveID = "L"
	DriveE   DriveID = "E"
	DriveO   DriveID = "O"
	DriveN   DriveID = "N"
	DriveA   DriveID = "A"
	DriveR   DriveID = "R"
	DriveD   DriveID = "D"
	DriveLEE DriveID = "LEE"
)

const (
	// MinSlot is the first slot of a drive.
	MinSlot = 1
	// MaxSlot is the last slot of a drive.
	MaxSlot = 8
	// SlotCapacity is the nominal quota of one slot in bytes.
	SlotCapacity int64 = 2 << 30
	// TotalCapacity is the nominal capacity of the whole space.
	TotalCapacity = SlotCapacity * MaxSlot * int64(len(drives))
)

var drives = [...]DriveID{DriveL, DriveE, DriveO, DriveN, DriveA, DriveR, DriveD, DriveLEE}

// Drives returns all drives in canonical order.
func Drives() []DriveID {
	return slices.Clone(drives[:])
}

// Valid reports whether d is a known drive.
func (d DriveID) Valid() bool {
	return slices.Contains(drives[:], d)
}

// ParseDrive returns the drive named s.
func ParseDrive(s string) (DriveID, error) {
	d := DriveID(s)
	if !d.Valid() {
		return "", lakeerrors.Validation("unknown drive %q", s)
	}
	return d, nil
}

// Validate fails with a validation error if drive is unknown or slot is
// outside MinSlot..MaxSlot.
func Validate(drive DriveID, slot int) error {
	if !drive.Valid() {
		return lakeerrors.Validation("unknown drive %q", drive).WithDetail("drive", string(drive))
	}
	if slot < MinSlot || slot > MaxSlot {
		return lakeerrors.Validation("slot %d out of range %d..%d", slot, MinSlot, MaxSlot).WithDetail("slot", slot)
	}
	return nil
}

// SlotForKey returns a stable slot for key, for writers without a slot
// preference.
func SlotForKey(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()%MaxSlot) + MinSlot
}

// Usage is the occupancy of one slot.
type Usage struct {
	DriveID DriveID `json:"driveId"`
	SlotID  int     `json:"slotId"`
	Count   int     `json:"count"`
	Bytes   int64   `json:"bytes"`
}

// Ratio returns the fraction of the slot quota in use.
func (u *Usage) Ratio() float64 {
	return float64(u.Bytes) / float64(SlotCapacity)
}
