package models

import (
	"time"
)

// Panel represents one panel of an illustrated sequence.
type Panel struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	ProjectID       string    `gorm:"index;size:64" json:"project_id"`
	Sequence        int       `json:"sequence"`
	Prompt          string    `gorm:"type:text" json:"prompt"`
	NegativePrompt  string    `gorm:"type:text" json:"negative_prompt"`
	SelectedImageID string    `gorm:"size:64" json:"selected_image_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// GeneratedImage is one generated output bound to a panel. A panel may hold
// several outputs; at most one is selected at a time.
type GeneratedImage struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	PanelID   string    `gorm:"index;size:64" json:"panel_id"`
	Path      string    `gorm:"size:512" json:"path"`
	Seed      int64     `json:"seed"`
	Model     string    `gorm:"size:255" json:"model"`
	Source    string    `gorm:"size:32" json:"source"` // "generate", "identity", "chain", "manifest"
	CreatedAt time.Time `json:"created_at"`
}
