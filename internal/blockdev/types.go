package blockdev

// Raw JSON representation from lsblk --bytes --json
type rawTree struct {
	Blockdevices []rawDevice `json:"blockdevices"`
}

type rawDevice struct {
	Name       string      `json:"name"`
	KName      string      `json:"kname"`
	Path       string      `json:"path"`
	Size       any         `json:"size"` // number (bytes) when using --bytes
	Rota       *bool       `json:"rota,omitempty"`
	Type       string      `json:"type"`
	Tran       string      `json:"tran,omitempty"`
	Vendor     string      `json:"vendor,omitempty"`
	Model      string      `json:"model,omitempty"`
	Serial     string      `json:"serial,omitempty"`
	Mountpoint *string     `json:"mountpoint,omitempty"`
	FSType     string      `json:"fstype,omitempty"`
	RM         *bool       `json:"rm,omitempty"`
	LogSec     any         `json:"log-sec,omitempty"`
	Children   []rawDevice `json:"children,omitempty"`
}

// MountedPart is a partition of the target that is currently mounted.
type MountedPart struct {
	Path       string
	Mountpoint string
}

// ChildPart is a partition currently present in the device's table.
type ChildPart struct {
	Path      string
	SizeBytes uint64
	FSType    string
}

// Device is the normalized view of the target block device, read fresh
// at every stage boundary rather than cached.
type Device struct {
	Name       string
	Path       string
	SizeBytes  uint64
	SectorSize uint64
	Model      string
	Serial     string
	Tran       string
	Removable  *bool
	Rota       *bool
	Type       string
	FSType     string
	Children   []ChildPart
	Mounted    []MountedPart
	SwapParts  []string
}

// SizeSectors is the device capacity in logical sectors.
func (d Device) SizeSectors() uint64 {
	if d.SectorSize == 0 {
		return 0
	}
	return d.SizeBytes / d.SectorSize
}
