package crypt

import "fmt"

// Backend identifies which encryption subsystem owns a region.
type Backend string

const (
	BackendLUKS      Backend = "luks"
	BackendVeraCrypt Backend = "veracrypt"
)

// Profile selects the key-derivation work factor. Fast trades
// brute-force resistance for setup speed and is always surfaced as a
// warning, never applied silently.
type Profile string

const (
	ProfileFast   Profile = "fast"
	ProfileStrong Profile = "strong"
)

// WorkFactor is the concrete key-derivation cost a backend applies for
// a profile, reported to the caller so fast mode is measurable.
type WorkFactor struct {
	Backend    Backend `json:"backend"`
	Profile    Profile `json:"profile"`
	IterTimeMS int     `json:"iterTimeMs,omitempty"` // LUKS
	PIM        int     `json:"pim,omitempty"`        // VeraCrypt
	Cipher     string  `json:"cipher"`
	Hash       string  `json:"hash"`
}

// FactorFor returns the work factor a backend uses for a profile.
func FactorFor(b Backend, p Profile) WorkFactor {
	switch b {
	case BackendLUKS:
		wf := WorkFactor{Backend: b, Profile: p, Cipher: "aes-xts-plain64", Hash: "sha512", IterTimeMS: 5000}
		if p == ProfileFast {
			wf.IterTimeMS = 500
		}
		return wf
	case BackendVeraCrypt:
		if p == ProfileFast {
			return WorkFactor{Backend: b, Profile: p, Cipher: "AES", Hash: "sha512", PIM: 1}
		}
		return WorkFactor{Backend: b, Profile: p, Cipher: "AES(Twofish(Serpent))", Hash: "whirlpool", PIM: 485}
	}
	return WorkFactor{Backend: b, Profile: p}
}

// Volume is the EncryptionContext of one provisioned region. The
// mapping is open only while MappedPath is non-empty; nothing stays
// unlocked across pipeline stages.
type Volume struct {
	Backend       Backend
	Profile       Profile
	PartitionPath string
	MapperName    string // LUKS only
	MappedPath    string // present only while open
}

func (v Volume) Open() bool { return v.MappedPath != "" }

func (v Volume) String() string {
	state := "closed"
	if v.Open() {
		state = "open at " + v.MappedPath
	}
	return fmt.Sprintf("%s volume on %s (%s)", v.Backend, v.PartitionPath, state)
}
