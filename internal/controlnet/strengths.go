package controlnet

import "panelforge/internal/models"

// RecommendedStrength is the advised strength window for one control type.
type RecommendedStrength struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
	Notes   string  `json:"notes,omitempty"`
}

var strengthCatalog = map[models.ControlType]RecommendedStrength{
	models.ControlCanny:       {Min: 0.5, Max: 1.2, Default: 0.8, Notes: "high values trace every edge, including noise"},
	models.ControlDepth:       {Min: 0.3, Max: 1.0, Default: 0.6},
	models.ControlOpenPose:    {Min: 0.6, Max: 1.3, Default: 1.0, Notes: "drop below 0.8 when the prompt changes the pose"},
	models.ControlLineart:     {Min: 0.5, Max: 1.1, Default: 0.8},
	models.ControlScribble:    {Min: 0.4, Max: 1.0, Default: 0.7, Notes: "loose sketches need lower strength"},
	models.ControlSoftEdge:    {Min: 0.3, Max: 0.9, Default: 0.5},
	models.ControlNormalBae:   {Min: 0.3, Max: 0.9, Default: 0.6},
	models.ControlMLSD:        {Min: 0.4, Max: 1.0, Default: 0.7, Notes: "straight-line detection, interiors and architecture"},
	models.ControlShuffle:     {Min: 0.3, Max: 0.8, Default: 0.5},
	models.ControlTile:        {Min: 0.6, Max: 1.2, Default: 0.9},
	models.ControlBlur:        {Min: 0.3, Max: 0.8, Default: 0.5},
	models.ControlInpaint:     {Min: 0.7, Max: 1.3, Default: 1.0},
	models.ControlIP2P:        {Min: 0.8, Max: 1.5, Default: 1.0},
	models.ControlSemanticSeg: {Min: 0.4, Max: 1.0, Default: 0.7},
	models.ControlQRCode:      {Min: 1.1, Max: 1.7, Default: 1.3, Notes: "needs high strength or the pattern dissolves"},
	models.ControlReference:   {Min: 0.4, Max: 1.0, Default: 0.8},
}

// GetRecommendedStrength returns the advised window for a control type.
// Unknown types get a conservative generic window.
func GetRecommendedStrength(ct models.ControlType) RecommendedStrength {
	if rec, ok := strengthCatalog[ct]; ok {
		return rec
	}
	return RecommendedStrength{Min: 0.5, Max: 1.0, Default: 0.8}
}
