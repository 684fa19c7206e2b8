package models

// ModelFamily classifies an image-generation checkpoint. The family decides
// which conditioning mechanisms and ControlNet assets apply.
type ModelFamily string

const (
	FamilyIllustrious ModelFamily = "illustrious"
	FamilyPony        ModelFamily = "pony"
	FamilySDXL        ModelFamily = "sdxl"
	FamilyFlux        ModelFamily = "flux"
	FamilySD15        ModelFamily = "sd15"
	FamilyRealistic   ModelFamily = "realistic"
)

// Architecture is the base network architecture behind a family. Families
// derived from SDXL (illustrious, pony, realistic merges) all share SDXL
// ControlNet weights.
type Architecture string

const (
	ArchSD15    Architecture = "sd15"
	ArchSDXL    Architecture = "sdxl"
	ArchFlux    Architecture = "flux"
	ArchUnknown Architecture = ""
)

// AllFamilies returns every known model family.
func AllFamilies() []ModelFamily {
	return []ModelFamily{
		FamilyIllustrious,
		FamilyPony,
		FamilySDXL,
		FamilyFlux,
		FamilySD15,
		FamilyRealistic,
	}
}

// Architecture returns the base architecture for the family.
func (f ModelFamily) Architecture() Architecture {
	switch f {
	case FamilyIllustrious, FamilyPony, FamilySDXL, FamilyRealistic:
		return ArchSDXL
	case FamilyFlux:
		return ArchFlux
	case FamilySD15:
		return ArchSD15
	default:
		return ArchUnknown
	}
}

// CheckpointEntry is one row of the static checkpoint catalog.
type CheckpointEntry struct {
	Filename string      `yaml:"filename" json:"filename"`
	Family   ModelFamily `yaml:"family" json:"family"`
	NSFW     bool        `yaml:"nsfw" json:"nsfw"`
}
