package compat

import (
	"fmt"
	"sort"
	"strings"

	"panelforge/internal/models"
)

// Resolver classifies checkpoints into model families and resolves which
// ControlNet asset and preprocessor serve a control type for that family.
// All operations are pure lookups over the static catalog: they always
// return, never touch the network, and never panic on unknown input.
type Resolver struct {
	checkpoints map[string]models.CheckpointEntry
}

// Resolution is the outcome of resolving one (model, control type) pair.
type Resolution struct {
	Compatible      bool     `json:"compatible"`
	ControlNetAsset string   `json:"controlnet_asset,omitempty"`
	Preprocessor    string   `json:"preprocessor,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// Validation is the outcome of cross-checking a model against an arbitrary
// ControlNet asset path.
type Validation struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// TypeSupport is one row of a full compatibility report.
type TypeSupport struct {
	Type            models.ControlType `json:"type"`
	ControlNetAsset string             `json:"controlnet_asset"`
	Preprocessor    string             `json:"preprocessor"`
}

// CompatibilityReport aggregates everything a caller needs to plan a control
// stack for a model before committing to generation calls.
type CompatibilityReport struct {
	Model     string             `json:"model"`
	Family    models.ModelFamily `json:"family"`
	Supported []TypeSupport      `json:"supported"`
	Warnings  []string           `json:"warnings,omitempty"`
}

// NewResolver builds a resolver over the built-in checkpoint catalog.
func NewResolver() *Resolver {
	return NewResolverWithCatalog(nil)
}

// NewResolverWithCatalog builds a resolver with extra checkpoint entries
// merged over the built-in catalog. The catalog is immutable afterwards.
func NewResolverWithCatalog(extra []models.CheckpointEntry) *Resolver {
	checkpoints := make(map[string]models.CheckpointEntry, len(defaultCheckpoints)+len(extra))
	for _, entry := range defaultCheckpoints {
		checkpoints[strings.ToLower(entry.Filename)] = entry
	}
	for _, entry := range extra {
		checkpoints[strings.ToLower(entry.Filename)] = entry
	}
	return &Resolver{checkpoints: checkpoints}
}

// familyRules is the substring classification order. First match wins; names
// matching nothing fall back to sd15.
var familyRules = []struct {
	family    models.ModelFamily
	substring []string
}{
	{models.FamilyIllustrious, []string{"illustrious", "noob", "wai-"}},
	{models.FamilyPony, []string{"pony", "yiff", "furry", "nova"}},
	{models.FamilyFlux, []string{"flux"}},
	{models.FamilyRealistic, []string{"realistic", "photon", "real", "photo"}},
	{models.FamilySDXL, []string{"sdxl", "xl"}},
}

// GetFamily classifies a model filename into a family. Exact catalog entries
// win over substring rules; unmatched names default to sd15.
func (r *Resolver) GetFamily(modelName string) models.ModelFamily {
	lower := strings.ToLower(modelName)

	if entry, ok := r.checkpoints[lower]; ok {
		return entry.Family
	}

	for _, rule := range familyRules {
		for _, sub := range rule.substring {
			if strings.Contains(lower, sub) {
				return rule.family
			}
		}
	}

	return models.FamilySD15
}

// IsNSFW reports whether the checkpoint is flagged NSFW in the catalog.
// Unknown checkpoints report false.
func (r *Resolver) IsNSFW(modelName string) bool {
	entry, ok := r.checkpoints[strings.ToLower(modelName)]
	return ok && entry.NSFW
}

// ResolveControlNet looks up the ControlNet asset and preprocessor serving a
// control type for the model's family.
func (r *Resolver) ResolveControlNet(model string, ct models.ControlType) Resolution {
	family := r.GetFamily(model)
	table := familyTable(family)

	entry, ok := table[ct]
	if !ok {
		return Resolution{
			Compatible: false,
			Error: fmt.Sprintf("control type %q is not supported by %s (family %s)",
				ct, model, family),
		}
	}

	res := Resolution{
		Compatible:      true,
		ControlNetAsset: entry.Asset,
		Preprocessor:    entry.Preprocessor,
	}
	if entry.Warning != "" {
		res.Warnings = append(res.Warnings, entry.Warning)
	}
	if family == models.FamilyFlux {
		res.Warnings = append(res.Warnings,
			"flux controlnet support is limited to canny, depth and openpose")
	}
	return res
}

// ValidateControlNet cross-checks the architecture implied by a ControlNet
// asset's filename against the model's family. A mismatch is invalid
// regardless of control type; an asset whose architecture cannot be inferred
// passes.
func (r *Resolver) ValidateControlNet(model, controlnetAssetPath string) Validation {
	family := r.GetFamily(model)
	modelArch := family.Architecture()
	assetArch := assetArchitecture(controlnetAssetPath)

	if assetArch == models.ArchUnknown || assetArch == modelArch {
		return Validation{Valid: true}
	}

	return Validation{
		Valid: false,
		Error: fmt.Sprintf("controlnet %q targets %s models but %s is a %s checkpoint (family %s)",
			controlnetAssetPath, assetArch, model, modelArch, family),
	}
}

// ListAvailableControlTypes returns every control type ResolveControlNet
// would report compatible for the model, in catalog order.
func (r *Resolver) ListAvailableControlTypes(model string) []models.ControlType {
	table := familyTable(r.GetFamily(model))

	var types []models.ControlType
	for _, ct := range models.AllControlTypes() {
		if _, ok := table[ct]; ok {
			types = append(types, ct)
		}
	}
	return types
}

// GetFullCompatibility builds a diagnostic report for a model: its family,
// every compatible controlnet, and catalog-level warnings.
func (r *Resolver) GetFullCompatibility(model string) *CompatibilityReport {
	family := r.GetFamily(model)
	table := familyTable(family)

	report := &CompatibilityReport{
		Model:  model,
		Family: family,
	}

	for _, ct := range models.AllControlTypes() {
		entry, ok := table[ct]
		if !ok {
			continue
		}
		report.Supported = append(report.Supported, TypeSupport{
			Type:            ct,
			ControlNetAsset: entry.Asset,
			Preprocessor:    entry.Preprocessor,
		})
		if entry.Warning != "" {
			report.Warnings = append(report.Warnings, entry.Warning)
		}
	}

	if family == models.FamilyFlux {
		report.Warnings = append(report.Warnings,
			"flux controlnet support is limited to canny, depth and openpose")
	}

	sort.Slice(report.Supported, func(i, j int) bool {
		return report.Supported[i].Type < report.Supported[j].Type
	})

	return report
}
