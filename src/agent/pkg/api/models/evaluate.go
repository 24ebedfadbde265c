package models

// NetworkEvaluationRequest describes a connection to evaluate
type NetworkEvaluationRequest struct {
	ProcessID     uint32 `json:"processId"`
	ProcessName   string `json:"processName"`
	Protocol      string `json:"protocol" binding:"omitempty,oneof=tcp udp icmp any"`
	LocalPort     uint16 `json:"localPort"`
	RemotePort    uint16 `json:"remotePort"`
	RemoteAddress string `json:"remoteAddress"`
	UserSID       string `json:"userSid"`
}

// DeviceEvaluationRequest describes a device access to evaluate
type DeviceEvaluationRequest struct {
	ProcessID   uint32 `json:"processId"`
	ProcessName string `json:"processName"`
	DeviceType  string `json:"deviceType" binding:"omitempty,oneof=unknown camera microphone usb bluetooth"`
	HardwareID  string `json:"hardwareId"`
	UserSID     string `json:"userSid"`
}

// DecisionResponse is the result of an evaluation
type DecisionResponse struct {
	Action        string  `json:"action"`
	MatchedRuleID *uint64 `json:"matchedRuleId"`
	Reason        string  `json:"reason"`
	AuditLevel    string  `json:"auditLevel"`
}
