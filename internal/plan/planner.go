package plan

import (
	"fmt"

	"github.com/n0m4d1k/covert-sd-card-tool/internal/blockdev"
)

const (
	// AlignBytes is the partition boundary granularity. 1 MiB keeps
	// sgdisk, parted and SSD wear-leveling all happy.
	AlignBytes = 1024 * 1024

	// UtilityBytes is the fixed size of the plaintext utility
	// partition.
	UtilityBytes = 256 * 1024 * 1024

	// MinPersistenceBytes is the floor for an encrypted persistence
	// region; anything smaller is not worth the LUKS header.
	MinPersistenceBytes = 256 * 1024 * 1024

	// MinDocumentsBytes is the floor for the documents container.
	MinDocumentsBytes = 64 * 1024 * 1024

	// Persistence share of the space remaining after Utility+OS when a
	// documents region also has to fit. Strong mode gets more headroom
	// for the costlier key-derivation reformat cycles.
	persistencePctFast   = 50
	persistencePctStrong = 60

	defaultOSMarginBytes = 512 * 1024 * 1024
)

// Planner computes partition layouts. The zero value is usable.
type Planner struct {
	// OSMarginBytes is added to the ISO size when sizing the OS
	// partition. Zero means the default 512 MiB.
	OSMarginBytes uint64
}

// MinBytes is the smallest device capacity that could possibly hold the
// requested feature set. The inspector rejects anything below it with
// TooSmall before planning even starts.
func MinBytes(req FeatureRequest, osMarginBytes uint64) uint64 {
	if osMarginBytes == 0 {
		osMarginBytes = defaultOSMarginBytes
	}
	var total uint64 = 2 * AlignBytes // leading gap + GPT backup reserve
	if req.Utility {
		total += UtilityBytes
	}
	if req.InstallOS {
		total += req.ISOSizeBytes + osMarginBytes
	}
	if req.Persistence {
		total += MinPersistenceBytes
	}
	if req.Documents {
		total += MinDocumentsBytes
	}
	if total < 1024*1024*1024 {
		total = 1024 * 1024 * 1024
	}
	return total
}

// Plan allocates partitions in fixed priority order: Utility, OS,
// Persistence, Documents. It fails before anything destructive can
// happen; a returned Plan is proven to fit the device.
func (p Planner) Plan(dev blockdev.Device, req FeatureRequest) (Plan, error) {
	if err := checkFeatures(req); err != nil {
		return Plan{}, err
	}
	sector := dev.SectorSize
	if sector == 0 || dev.SizeBytes == 0 {
		return Plan{}, &PlanError{Kind: InsufficientSpace, Detail: "device geometry unknown"}
	}
	alignSectors := AlignBytes / sector
	capSectors := dev.SizeBytes / sector

	cursor := alignSectors               // leading 1 MiB gap
	limit := capSectors - alignSectors   // trailing GPT backup reserve
	if limit <= cursor {
		return Plan{}, &PlanError{Kind: InsufficientSpace, Detail: "device smaller than alignment reserve"}
	}

	margin := p.OSMarginBytes
	if margin == 0 {
		margin = defaultOSMarginBytes
	}

	pl := Plan{Device: dev.Path, SectorSize: sector}
	add := func(role Role, sizeSectors uint64, fsType, label string, encrypted bool) error {
		sizeSectors = alignUp(sizeSectors, alignSectors)
		if cursor+sizeSectors > limit {
			return &PlanError{Kind: InsufficientSpace, Detail: fmt.Sprintf(
				"%s needs %d sectors at %d but device ends at %d usable", role, sizeSectors, cursor, limit)}
		}
		pl.Specs = append(pl.Specs, Spec{
			Role:        role,
			Index:       len(pl.Specs) + 1,
			StartSector: cursor,
			SizeSectors: sizeSectors,
			FSType:      fsType,
			Label:       label,
			Encrypted:   encrypted,
		})
		cursor += sizeSectors
		return nil
	}

	if req.Utility {
		if err := add(RoleUtility, UtilityBytes/sector, "vfat", "UTIL", false); err != nil {
			return Plan{}, err
		}
	}
	if req.InstallOS {
		if err := add(RoleOS, (req.ISOSizeBytes+margin)/sector, "raw", osLabel(req.Flavor), false); err != nil {
			return Plan{}, err
		}
	}
	if req.Persistence {
		size := req.PersistenceBytes / sector
		if size == 0 {
			remaining := alignDown(limit-cursor, alignSectors)
			if req.Documents {
				size = alignDown(remaining*persistencePct(req.FastMode)/100, alignSectors)
			} else {
				size = remaining
			}
		}
		if size*sector < MinPersistenceBytes {
			return Plan{}, &PlanError{Kind: InsufficientSpace, Detail: fmt.Sprintf(
				"persistence would be %d bytes, floor is %d", size*sector, uint64(MinPersistenceBytes))}
		}
		if err := add(RolePersistence, size, "ext4", persistenceLabel(req.Flavor), true); err != nil {
			return Plan{}, err
		}
	}
	if req.Documents {
		remaining := alignDown(limit-cursor, alignSectors)
		if remaining*sector < MinDocumentsBytes {
			return Plan{}, &PlanError{Kind: InsufficientSpace, Detail: fmt.Sprintf(
				"documents would be %d bytes, floor is %d", remaining*sector, uint64(MinDocumentsBytes))}
		}
		if err := add(RoleDocuments, remaining, "exfat", "", true); err != nil {
			return Plan{}, err
		}
	}
	return pl, nil
}

func checkFeatures(req FeatureRequest) error {
	if !req.InstallOS && !req.Persistence && !req.Documents && !req.Utility {
		return &PlanError{Kind: ConflictingFeatures, Detail: "no features requested"}
	}
	if req.Persistence && !req.InstallOS {
		return &PlanError{Kind: ConflictingFeatures, Detail: "persistence requires an installed OS"}
	}
	if req.InstallOS && req.ISOSizeBytes == 0 {
		return &PlanError{Kind: ConflictingFeatures, Detail: "OS install requested without an image size"}
	}
	return nil
}

func persistencePct(fast bool) uint64 {
	if fast {
		return persistencePctFast
	}
	return persistencePctStrong
}

func osLabel(f OSFlavor) string {
	if f == FlavorTails {
		return "TAILS"
	}
	return "KALI"
}

func persistenceLabel(f OSFlavor) string {
	// Tails discovers its persistent storage by this exact label.
	if f == FlavorTails {
		return "TailsData"
	}
	return "persistence"
}

func alignUp(v, unit uint64) uint64 {
	if unit == 0 {
		return v
	}
	if rem := v % unit; rem != 0 {
		return v + unit - rem
	}
	return v
}

func alignDown(v, unit uint64) uint64 {
	if unit == 0 {
		return v
	}
	return v - v%unit
}
