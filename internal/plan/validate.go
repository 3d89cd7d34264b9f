package plan

import "fmt"

// Validate re-checks the layout invariants: specs sorted by start,
// pairwise non-overlapping, aligned to the 1 MiB granularity, and
// contained within capBytes. The executor runs this defensively before
// touching the device.
func (p Plan) Validate(capBytes uint64) error {
	if p.SectorSize == 0 {
		return fmt.Errorf("plan: zero sector size")
	}
	alignSectors := uint64(AlignBytes) / p.SectorSize
	var prevEnd uint64
	for i, s := range p.Specs {
		if s.Index != i+1 {
			return fmt.Errorf("plan: spec %d has index %d", i, s.Index)
		}
		if s.SizeSectors == 0 {
			return fmt.Errorf("plan: %s has zero size", s.Role)
		}
		if s.StartSector%alignSectors != 0 {
			return fmt.Errorf("plan: %s start %d not aligned to %d sectors", s.Role, s.StartSector, alignSectors)
		}
		if s.StartSector < prevEnd {
			return fmt.Errorf("plan: %s at %d overlaps previous partition ending at %d", s.Role, s.StartSector, prevEnd)
		}
		if s.EndSector()*p.SectorSize > capBytes {
			return fmt.Errorf("plan: %s ends at byte %d beyond capacity %d", s.Role, s.EndSector()*p.SectorSize, capBytes)
		}
		prevEnd = s.EndSector()
	}
	return nil
}
