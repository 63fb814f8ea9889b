// Package topology maps mountpoints to the physical disks backing them.
//
// The block device tree itself comes from a pluggable Provider, in
// production the lsblk utility. Partitions, LVM volumes and other
// stacked devices are attributed to their nearest ancestor of type
// "disk", so a multi-device filesystem resolves to the set of all disks
// it spans.
package topology

import (
	"context"
	"log/slog"
)

// DeviceID identifies a physical block device. The scheduler only needs
// set membership semantics on it, not a particular format.
type DeviceID string

// Set is a set of device ids.
type Set map[DeviceID]struct{}

func NewSet(ids ...DeviceID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Add(id DeviceID) {
	s[id] = struct{}{}
}

// Overlaps reports whether s and other share at least one device.
func (s Set) Overlaps(other Set) bool {
	small, big := s, other
	if len(big) < len(small) {
		small, big = big, small
	}
	for id := range small {
		if _, ok := big[id]; ok {
			return true
		}
	}
	return false
}

// Map maps a mountpoint path to the set of disks backing it. Built once
// at startup and read-only during scheduling.
type Map map[string]Set

// BlockDevice is one node of the block device tree reported by a
// Provider. Field names follow the lsblk JSON output.
type BlockDevice struct {
	Name       string        `json:"name"`
	KName      string        `json:"kname"`
	Type       string        `json:"type"`
	FSType     string        `json:"fstype"`
	Mountpoint string        `json:"mountpoint"`
	Children   []BlockDevice `json:"children,omitempty"`
}

// Provider lists the block device tree of the host.
type Provider interface {
	BlockDevices(ctx context.Context) ([]BlockDevice, error)
}

// Resolve maps every mounted filesystem of the given type to the disks
// backing it. A provider failure is not fatal: it yields an empty map
// and the caller proceeds with zero work.
func Resolve(ctx context.Context, p Provider, fstype string) Map {
	devices, err := p.BlockDevices(ctx)
	if err != nil {
		slog.WarnContext(ctx, "block device topology unavailable", "error", err)
		return Map{}
	}

	m := make(Map)
	for _, bdev := range devices {
		// a top level node is its own disk until proven otherwise
		walk(bdev, m, fstype, DeviceID(bdev.KName))
	}
	return m
}

func walk(bdev BlockDevice, m Map, fstype string, lastDisk DeviceID) {
	if bdev.Type == "disk" {
		lastDisk = DeviceID(bdev.KName)
	}
	if bdev.FSType == fstype && bdev.Mountpoint != "" {
		set, ok := m[bdev.Mountpoint]
		if !ok {
			set = make(Set)
			m[bdev.Mountpoint] = set
		}
		set.Add(lastDisk)
	}
	for _, child := range bdev.Children {
		walk(child, m, fstype, lastDisk)
	}
}
