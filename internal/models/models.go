package models

// Sample is a pointer position relative to the tracked surface's top-left
// corner. Values can be negative when the pointer is outside the surface.
type Sample struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Record is a finalized dwell: how long the pointer stayed at one position.
type Record struct {
	X      int   `json:"x"`
	Y      int   `json:"y"`
	TimeMs int64 `json:"time"`
}

// Envelope is the body of one delivery attempt.
type Envelope struct {
	Coordinates []Record `json:"coordinates"`
	Timestamp   int64    `json:"timestamp"` // ms since epoch, send time
	ElementID   *string  `json:"elementId"` // nullable
	SessionID   string   `json:"sessionId,omitempty"`
}

// HeatCell is the collector-side aggregate for one coordinate of an element.
type HeatCell struct {
	X      int   `json:"x"`
	Y      int   `json:"y"`
	TimeMs int64 `json:"time"`
	Visits int   `json:"visits"`
}
