package controlnet

import (
	"strings"

	"panelforge/internal/models"
)

// promptHints maps a control type to the natural-language hint that stands
// in for it when degraded mode cannot forward it as real conditioning.
var promptHints = map[models.ControlType]string{
	models.ControlCanny:       "sharp defined edges",
	models.ControlDepth:       "proper depth",
	models.ControlOpenPose:    "correct anatomy and natural pose",
	models.ControlLineart:     "clean lines",
	models.ControlScribble:    "loose sketch composition",
	models.ControlSoftEdge:    "soft edges",
	models.ControlNormalBae:   "consistent lighting and volume",
	models.ControlMLSD:        "straight architectural lines",
	models.ControlShuffle:     "recomposed color palette",
	models.ControlTile:        "high fine detail",
	models.ControlBlur:        "soft focus background",
	models.ControlInpaint:     "seamless filled region",
	models.ControlIP2P:        "faithful edit of the source image",
	models.ControlSemanticSeg: "well separated scene regions",
	models.ControlQRCode:      "embedded geometric pattern",
	models.ControlReference:   "matching the reference style",
}

// hintsFor collects hints for the controls that were not forwarded.
func hintsFor(controls []models.ControlCondition) []string {
	hints := make([]string, 0, len(controls))
	for _, c := range controls {
		if hint, ok := promptHints[c.Type]; ok {
			hints = append(hints, hint)
		}
	}
	return hints
}

// appendHints folds hints into a prompt as comma-separated qualifiers.
func appendHints(prompt string, hints []string) string {
	if len(hints) == 0 {
		return prompt
	}
	if prompt == "" {
		return strings.Join(hints, ", ")
	}
	return prompt + ", " + strings.Join(hints, ", ")
}
