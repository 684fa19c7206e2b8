package models

// ControlType identifies one ControlNet conditioning mechanism. The set is
// closed: the resolver and the control stack switch exhaustively over it, so
// adding a type is a compile-checked change in both places.
type ControlType string

const (
	ControlCanny       ControlType = "canny"
	ControlDepth       ControlType = "depth"
	ControlOpenPose    ControlType = "openpose"
	ControlLineart     ControlType = "lineart"
	ControlScribble    ControlType = "scribble"
	ControlSoftEdge    ControlType = "softedge"
	ControlNormalBae   ControlType = "normalbae"
	ControlMLSD        ControlType = "mlsd"
	ControlShuffle     ControlType = "shuffle"
	ControlTile        ControlType = "tile"
	ControlBlur        ControlType = "blur"
	ControlInpaint     ControlType = "inpaint"
	ControlIP2P        ControlType = "ip2p"
	ControlSemanticSeg ControlType = "semantic_seg"
	ControlQRCode      ControlType = "qrcode"
	ControlReference   ControlType = "reference"
)

// AllControlTypes returns every known control type.
func AllControlTypes() []ControlType {
	return []ControlType{
		ControlCanny, ControlDepth, ControlOpenPose, ControlLineart,
		ControlScribble, ControlSoftEdge, ControlNormalBae, ControlMLSD,
		ControlShuffle, ControlTile, ControlBlur, ControlInpaint,
		ControlIP2P, ControlSemanticSeg, ControlQRCode, ControlReference,
	}
}

// ParseControlType maps a string to a known control type.
func ParseControlType(s string) (ControlType, bool) {
	for _, ct := range AllControlTypes() {
		if string(ct) == s {
			return ct, true
		}
	}
	return "", false
}

// ControlCondition is one conditioning signal inside a control stack.
// A zero Strength means the default of 1.0, a zero EndPercent means 1.0.
// An explicit strength of exactly 0 is therefore not expressible; a control
// that should contribute nothing is omitted from the stack instead.
// RawControlImage marks ImageRef as an already-preprocessed control map
// (pose skeleton, depth map, ...) that must not be preprocessed again.
type ControlCondition struct {
	Type            ControlType `json:"type"`
	ImageRef        string      `json:"image_ref"`
	Strength        float64     `json:"strength,omitempty"`
	StartPercent    float64     `json:"start_percent,omitempty"`
	EndPercent      float64     `json:"end_percent,omitempty"`
	RawControlImage bool        `json:"raw_control_image,omitempty"`
	ControlNetAsset string      `json:"controlnet_asset,omitempty"`
	Preprocessor    string      `json:"preprocessor,omitempty"`
}

// EffectiveStrength returns the conditioning weight with the default applied.
func (c ControlCondition) EffectiveStrength() float64 {
	if c.Strength == 0 {
		return 1.0
	}
	return c.Strength
}

// EffectiveEndPercent returns the end of the conditioning window with the
// default applied.
func (c ControlCondition) EffectiveEndPercent() float64 {
	if c.EndPercent == 0 {
		return 1.0
	}
	return c.EndPercent
}
