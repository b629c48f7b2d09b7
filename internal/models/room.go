package models

import "time"

// RoomName is the deterministic room label for a matched pair.
func RoomName(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "room-" + a + "-" + b
}

// Report is a stored abuse report.
type Report struct {
	Reporter  string    `json:"reporter"`
	Reported  string    `json:"reported,omitempty"`
	Reason    string    `json:"reason"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// OnlineResponse is returned by GET /api/online.
type OnlineResponse struct {
	Count int64 `json:"count"`
}

// ReportsResponse is returned by GET /api/reports.
type ReportsResponse struct {
	Reports []Report `json:"reports"`
}
