package consistency

// AdapterModel describes one reference-conditioning adapter the backend can
// load, with its advised strength window.
type AdapterModel struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	MinStrength     float64 `json:"min_strength"`
	MaxStrength     float64 `json:"max_strength"`
	DefaultStrength float64 `json:"default_strength"`
	Notes           string  `json:"notes,omitempty"`
}

// DefaultAdapterModel is used when an extraction does not name an adapter.
const DefaultAdapterModel = "ip-adapter-plus_sdxl"

var adapterCatalog = []AdapterModel{
	{
		ID:              "ip-adapter-plus_sdxl",
		Name:            "IP-Adapter Plus (SDXL)",
		MinStrength:     0.4,
		MaxStrength:     1.0,
		DefaultStrength: 0.7,
		Notes:           "general identity transfer, works on all SDXL-derived families",
	},
	{
		ID:              "ip-adapter-faceid-plusv2_sdxl",
		Name:            "IP-Adapter FaceID Plus v2 (SDXL)",
		MinStrength:     0.5,
		MaxStrength:     1.1,
		DefaultStrength: 0.8,
		Notes:           "face-focused, best for close-up panels",
	},
	{
		ID:              "ip-adapter-plus_sd15",
		Name:            "IP-Adapter Plus (SD 1.5)",
		MinStrength:     0.4,
		MaxStrength:     1.0,
		DefaultStrength: 0.7,
	},
	{
		ID:              "instantid_sdxl",
		Name:            "InstantID (SDXL)",
		MinStrength:     0.6,
		MaxStrength:     1.2,
		DefaultStrength: 0.9,
		Notes:           "strongest face lock, needs a clear frontal reference",
	},
}

// ListAdapterModels returns the adapter catalog.
func ListAdapterModels() []AdapterModel {
	out := make([]AdapterModel, len(adapterCatalog))
	copy(out, adapterCatalog)
	return out
}

// GetAdapterModel returns the adapter with the given id.
func GetAdapterModel(id string) (*AdapterModel, bool) {
	for i := range adapterCatalog {
		if adapterCatalog[i].ID == id {
			adapter := adapterCatalog[i]
			return &adapter, true
		}
	}
	return nil, false
}

// adapterDefaultStrength returns the adapter's recommended default, falling
// back to a sane middle value for unknown adapters.
func adapterDefaultStrength(adapterID string) float64 {
	if adapter, ok := GetAdapterModel(adapterID); ok {
		return adapter.DefaultStrength
	}
	return 0.7
}
