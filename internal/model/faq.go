package model

import "time"

// CompetitorStatus tracks a competitor record through the research pipeline.
type CompetitorStatus string

const (
	CompetitorDiscovered CompetitorStatus = "discovered"
	CompetitorScraped    CompetitorStatus = "scraped"
	CompetitorSkipped    CompetitorStatus = "skipped"
)

// Competitor is a nearby business discovered by the research pipeline.
type Competitor struct {
	ID          string           `json:"id"`
	WorkspaceID string           `json:"workspace_id"`
	JobID       string           `json:"job_id"`
	Name        string           `json:"name"`
	URL         string           `json:"url"`
	Address     string           `json:"address,omitempty"`
	Latitude    float64          `json:"latitude,omitempty"`
	Longitude   float64          `json:"longitude,omitempty"`
	DistanceKm  float64          `json:"distance_km,omitempty"`
	Source      string           `json:"source"` // "search", "manual"
	Status      CompetitorStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
}

// FAQEntry is one question/answer pair harvested from a competitor site and
// optionally refined by the LLM into the workspace's own voice.
type FAQEntry struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	CompetitorID string    `json:"competitor_id,omitempty"`
	Question     string    `json:"question"`
	Answer       string    `json:"answer"`
	Category     string    `json:"category,omitempty"`
	ContentHash  string    `json:"content_hash"`
	Refined      bool      `json:"refined"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
