package plan

// Role identifies what a partition is for.
type Role string

const (
	RoleUtility     Role = "utility"
	RoleOS          Role = "os"
	RolePersistence Role = "persistence"
	RoleDocuments   Role = "documents"
)

// OSFlavor selects which live OS the image and persistence layout
// target.
type OSFlavor string

const (
	FlavorKali  OSFlavor = "kali"
	FlavorTails OSFlavor = "tails"
)

// FeatureRequest is the immutable feature selection for one run.
type FeatureRequest struct {
	InstallOS   bool
	Flavor      OSFlavor
	Persistence bool
	Documents   bool
	Utility     bool
	FastMode    bool

	// ISOSizeBytes is the size of the OS image to be written; required
	// when InstallOS is set.
	ISOSizeBytes uint64
	// PersistenceBytes, when non-zero, overrides the fraction-of-
	// remainder persistence sizing.
	PersistenceBytes uint64
}

// Spec describes one partition of the computed layout. Sizes are in
// logical sectors of the target device.
type Spec struct {
	Role        Role
	Index       int // GPT partition number, 1-based, in start order
	StartSector uint64
	SizeSectors uint64
	// FSType is the filesystem written by the executor for plaintext
	// partitions; "raw" means the region is image-written or handed to
	// an encryption backend untouched.
	FSType    string
	Label     string
	Encrypted bool
}

func (s Spec) EndSector() uint64 { return s.StartSector + s.SizeSectors }

// Plan is the full layout for a device. Produced once, consumed
// read-only by every later stage.
type Plan struct {
	Device     string
	SectorSize uint64
	Specs      []Spec
}

// ByRole returns the spec for a role, if planned.
func (p Plan) ByRole(role Role) (Spec, bool) {
	for _, s := range p.Specs {
		if s.Role == role {
			return s, true
		}
	}
	return Spec{}, false
}

// EncryptedSpecs returns the specs needing an encryption backend, in
// plan order.
func (p Plan) EncryptedSpecs() []Spec {
	out := []Spec{}
	for _, s := range p.Specs {
		if s.Encrypted {
			out = append(out, s)
		}
	}
	return out
}
