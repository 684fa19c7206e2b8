package controlnet

import "panelforge/internal/models"

// Preset is a named, immutable control-stack template.
type Preset struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Controls    []PresetControl `json:"controls"`
	UseCases    []string        `json:"use_cases"`
}

// PresetControl is one control slot of a preset with its default strength.
type PresetControl struct {
	Type            models.ControlType `json:"type"`
	DefaultStrength float64            `json:"default_strength"`
}

var presetCatalog = []Preset{
	{
		ID:          "pose-lock",
		Name:        "Pose Lock",
		Description: "Pin the character pose from a reference image.",
		Controls: []PresetControl{
			{Type: models.ControlOpenPose, DefaultStrength: 1.0},
		},
		UseCases: []string{"action", "continuity"},
	},
	{
		ID:          "pose-depth",
		Name:        "Pose + Depth",
		Description: "Pose skeleton with depth layout support.",
		Controls: []PresetControl{
			{Type: models.ControlOpenPose, DefaultStrength: 0.9},
			{Type: models.ControlDepth, DefaultStrength: 0.5},
		},
		UseCases: []string{"action", "scene"},
	},
	{
		ID:          "composition",
		Name:        "Composition Guide",
		Description: "Edge and depth guidance to keep the reference layout.",
		Controls: []PresetControl{
			{Type: models.ControlCanny, DefaultStrength: 0.7},
			{Type: models.ControlDepth, DefaultStrength: 0.5},
		},
		UseCases: []string{"scene", "background"},
	},
	{
		ID:          "line-trace",
		Name:        "Line Trace",
		Description: "Follow clean line art from a sketch or previous panel.",
		Controls: []PresetControl{
			{Type: models.ControlLineart, DefaultStrength: 0.8},
			{Type: models.ControlDepth, DefaultStrength: 0.4},
		},
		UseCases: []string{"inking", "cleanup"},
	},
	{
		ID:          "sketch-refine",
		Name:        "Sketch Refine",
		Description: "Turn a rough scribble into a finished panel.",
		Controls: []PresetControl{
			{Type: models.ControlScribble, DefaultStrength: 0.8},
			{Type: models.ControlSoftEdge, DefaultStrength: 0.4},
		},
		UseCases: []string{"drafting"},
	},
	{
		ID:          "redraw",
		Name:        "Redraw",
		Description: "Tile-guided redraw that preserves the source closely.",
		Controls: []PresetControl{
			{Type: models.ControlTile, DefaultStrength: 0.9},
		},
		UseCases: []string{"cleanup", "upscale"},
	},
}

// ListPresets returns the full preset catalog.
func ListPresets() []Preset {
	out := make([]Preset, len(presetCatalog))
	copy(out, presetCatalog)
	return out
}

// GetPreset returns the preset with the given id.
func GetPreset(id string) (*Preset, bool) {
	for i := range presetCatalog {
		if presetCatalog[i].ID == id {
			preset := presetCatalog[i]
			return &preset, true
		}
	}
	return nil, false
}

// GetPresetsForUseCase returns every preset tagged with the use case.
func GetPresetsForUseCase(useCase string) []Preset {
	var out []Preset
	for _, preset := range presetCatalog {
		for _, uc := range preset.UseCases {
			if uc == useCase {
				out = append(out, preset)
				break
			}
		}
	}
	return out
}
