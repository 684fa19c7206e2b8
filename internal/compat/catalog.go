package compat

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"panelforge/internal/models"
)

// Shared ControlNet assets. SDXL-derived families all run the same union
// weights; flux has its own union covering a smaller set of types; sd15 uses
// one dedicated asset per type.
const (
	sdxlUnionAsset = "controlnet-union-sdxl-1.0-promax.safetensors"
	fluxUnionAsset = "flux1-controlnet-union-pro.safetensors"
)

// compatEntry is one row of the (family, control type) compatibility table.
type compatEntry struct {
	Asset        string
	Preprocessor string
	Warning      string
}

// sd15Assets maps each control type to its dedicated SD1.5 ControlNet file.
var sd15Assets = map[models.ControlType]compatEntry{
	models.ControlCanny:       {Asset: "control_v11p_sd15_canny.pth", Preprocessor: "canny"},
	models.ControlDepth:       {Asset: "control_v11f1p_sd15_depth.pth", Preprocessor: "depth_midas"},
	models.ControlOpenPose:    {Asset: "control_v11p_sd15_openpose.pth", Preprocessor: "openpose_full"},
	models.ControlLineart:     {Asset: "control_v11p_sd15_lineart.pth", Preprocessor: "lineart_realistic"},
	models.ControlScribble:    {Asset: "control_v11p_sd15_scribble.pth", Preprocessor: "scribble_pidinet"},
	models.ControlSoftEdge:    {Asset: "control_v11p_sd15_softedge.pth", Preprocessor: "softedge_pidinet"},
	models.ControlNormalBae:   {Asset: "control_v11p_sd15_normalbae.pth", Preprocessor: "normal_bae"},
	models.ControlMLSD:        {Asset: "control_v11p_sd15_mlsd.pth", Preprocessor: "mlsd"},
	models.ControlShuffle:     {Asset: "control_v11e_sd15_shuffle.pth", Preprocessor: "shuffle"},
	models.ControlTile:        {Asset: "control_v11f1e_sd15_tile.pth", Preprocessor: "tile_resample"},
	models.ControlInpaint:     {Asset: "control_v11p_sd15_inpaint.pth", Preprocessor: "inpaint_only"},
	models.ControlIP2P:        {Asset: "control_v11e_sd15_ip2p.pth", Preprocessor: ""},
	models.ControlSemanticSeg: {Asset: "control_v11p_sd15_seg.pth", Preprocessor: "seg_ofade20k"},
	models.ControlQRCode: {
		Asset:        "control_v1p_sd15_qrcode_monster.safetensors",
		Preprocessor: "invert",
		Warning:      "qrcode control needs high strength (1.3+) to hold the pattern",
	},
	models.ControlReference: {Asset: "", Preprocessor: "reference_only"},
}

// sdxlUnionTypes lists the control types the SDXL union weights cover.
var sdxlUnionTypes = map[models.ControlType]compatEntry{
	models.ControlCanny:       {Asset: sdxlUnionAsset, Preprocessor: "canny"},
	models.ControlDepth:       {Asset: sdxlUnionAsset, Preprocessor: "depth_midas"},
	models.ControlOpenPose:    {Asset: sdxlUnionAsset, Preprocessor: "openpose_full"},
	models.ControlLineart:     {Asset: sdxlUnionAsset, Preprocessor: "lineart_realistic"},
	models.ControlScribble:    {Asset: sdxlUnionAsset, Preprocessor: "scribble_pidinet"},
	models.ControlSoftEdge:    {Asset: sdxlUnionAsset, Preprocessor: "softedge_pidinet"},
	models.ControlNormalBae:   {Asset: sdxlUnionAsset, Preprocessor: "normal_bae"},
	models.ControlMLSD:        {Asset: sdxlUnionAsset, Preprocessor: "mlsd"},
	models.ControlShuffle:     {Asset: sdxlUnionAsset, Preprocessor: "shuffle"},
	models.ControlSemanticSeg: {Asset: sdxlUnionAsset, Preprocessor: "seg_ofade20k"},
	models.ControlTile: {
		Asset:        sdxlUnionAsset,
		Preprocessor: "tile_resample",
		Warning:      "tile on the SDXL union controlnet can soften fine detail",
	},
	models.ControlBlur:    {Asset: sdxlUnionAsset, Preprocessor: "blur_gaussian"},
	models.ControlInpaint: {Asset: sdxlUnionAsset, Preprocessor: "inpaint_only"},
	models.ControlIP2P:    {Asset: sdxlUnionAsset, Preprocessor: ""},
	models.ControlReference: {
		Asset:        "",
		Preprocessor: "reference_only",
		Warning:      "reference runs preprocessor-only, no controlnet weights are loaded",
	},
}

// fluxTypes lists the control types the flux union-pro weights cover.
var fluxTypes = map[models.ControlType]compatEntry{
	models.ControlCanny:    {Asset: fluxUnionAsset, Preprocessor: "canny"},
	models.ControlDepth:    {Asset: fluxUnionAsset, Preprocessor: "depth_midas"},
	models.ControlOpenPose: {Asset: fluxUnionAsset, Preprocessor: "openpose_full"},
}

// defaultCheckpoints is the built-in checkpoint catalog. Entries can be
// extended (not replaced) through a YAML catalog file.
var defaultCheckpoints = []models.CheckpointEntry{
	{Filename: "waiNSFWIllustrious_v110.safetensors", Family: models.FamilyIllustrious, NSFW: true},
	{Filename: "illustriousXL_v01.safetensors", Family: models.FamilyIllustrious},
	{Filename: "noobaiXLNAIXL_epsilonPred11.safetensors", Family: models.FamilyIllustrious},
	{Filename: "ponyDiffusionV6XL.safetensors", Family: models.FamilyPony},
	{Filename: "novaFurryXL_v40.safetensors", Family: models.FamilyPony, NSFW: true},
	{Filename: "sd_xl_base_1.0.safetensors", Family: models.FamilySDXL},
	{Filename: "juggernautXL_v9.safetensors", Family: models.FamilySDXL},
	{Filename: "flux1-dev.safetensors", Family: models.FamilyFlux},
	{Filename: "flux1-schnell.safetensors", Family: models.FamilyFlux},
	{Filename: "realisticVisionV60B1.safetensors", Family: models.FamilyRealistic},
	{Filename: "photonV1.safetensors", Family: models.FamilyRealistic},
	{Filename: "dreamshaper_8.safetensors", Family: models.FamilySD15},
	{Filename: "anythingV5.safetensors", Family: models.FamilySD15},
}

// familyTable returns the compatibility rows for a family.
func familyTable(f models.ModelFamily) map[models.ControlType]compatEntry {
	switch f {
	case models.FamilyIllustrious, models.FamilyPony:
		// Anime-trained families prefer the anime lineart preprocessor.
		table := make(map[models.ControlType]compatEntry, len(sdxlUnionTypes))
		for ct, entry := range sdxlUnionTypes {
			if ct == models.ControlLineart {
				entry.Preprocessor = "lineart_anime"
			}
			table[ct] = entry
		}
		return table
	case models.FamilySDXL, models.FamilyRealistic:
		return sdxlUnionTypes
	case models.FamilyFlux:
		return fluxTypes
	case models.FamilySD15:
		return sd15Assets
	default:
		return nil
	}
}

// DefaultPreprocessor returns the family-independent preprocessor for a
// control type, used when no model is known at preprocessing time.
func DefaultPreprocessor(ct models.ControlType) string {
	if entry, ok := sd15Assets[ct]; ok {
		return entry.Preprocessor
	}
	if entry, ok := sdxlUnionTypes[ct]; ok {
		return entry.Preprocessor
	}
	return ""
}

// assetArchitecture infers the base architecture a ControlNet asset was
// trained for from its filename. Unknown names return ArchUnknown.
func assetArchitecture(assetPath string) models.Architecture {
	name := strings.ToLower(assetPath)
	switch {
	case strings.Contains(name, "sd15") || strings.Contains(name, "sd1.5") || strings.Contains(name, "sd-v1"):
		return models.ArchSD15
	case strings.Contains(name, "flux"):
		return models.ArchFlux
	case strings.Contains(name, "sdxl") || strings.Contains(name, "xl") || strings.Contains(name, "union"):
		return models.ArchSDXL
	default:
		return models.ArchUnknown
	}
}

// LoadCheckpointCatalog reads extra checkpoint entries from a YAML file.
func LoadCheckpointCatalog(path string) ([]models.CheckpointEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint catalog: %w", err)
	}

	var file struct {
		Checkpoints []models.CheckpointEntry `yaml:"checkpoints"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint catalog: %w", err)
	}

	return file.Checkpoints, nil
}
