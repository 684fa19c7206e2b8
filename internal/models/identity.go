package models

import (
	"time"

	"go.uber.org/atomic"
)

// Identity is a reusable visual identity extracted from one or more reference
// images. It is owned by the identity store; the only mutation after creation
// is the usage counter, which is atomic so concurrent applications of the
// same identity never lose an increment.
type Identity struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	ReferenceImages []string     `json:"reference_images"`
	Embedding       string       `json:"embedding,omitempty"` // opaque backend token
	AdapterModel    string       `json:"adapter_model"`
	UsageCount      atomic.Int64 `json:"usage_count"`
	CreatedAt       time.Time    `json:"created_at"`
}

// MaintainFlags selects which continuity mechanisms a chain step applies.
type MaintainFlags struct {
	Identity bool `json:"identity"`
	Pose     bool `json:"pose"`
}
