package models

// StatisticsResponse represents decision counters
type StatisticsResponse struct {
	NetworkEvaluations uint64 `json:"networkEvaluations"`
	DeviceEvaluations  uint64 `json:"deviceEvaluations"`
	Allowed            uint64 `json:"allowed"`
	Blocked            uint64 `json:"blocked"`
	Audited            uint64 `json:"audited"`
	DefaultApplied     uint64 `json:"defaultApplied"`

	BlockRate   float64 `json:"blockRate"`
	DefaultRate float64 `json:"defaultRate"`
}
