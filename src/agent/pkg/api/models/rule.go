package models

import "time"

// RuleRequest represents a rule creation/update request
type RuleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	Type       string     `json:"type" binding:"required,oneof=network device application"`
	Action     string     `json:"action" binding:"required,oneof=allow block deny audit log"`
	Priority   int32      `json:"priority"`
	Enabled    *bool      `json:"enabled"`
	ValidFrom  *time.Time `json:"validFrom,omitempty"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`

	ProcessID   uint32 `json:"processId"`
	ProcessName string `json:"processName"`

	Protocol      string `json:"protocol" binding:"omitempty,oneof=tcp udp icmp any"`
	LocalPort     uint16 `json:"localPort"`
	RemotePort    uint16 `json:"remotePort"`
	RemoteAddress string `json:"remoteAddress"`

	DeviceType string `json:"deviceType" binding:"omitempty,oneof=unknown camera microphone usb bluetooth"`
	HardwareID string `json:"hardwareId"`

	UserSID    string `json:"userSid"`
	AuditLevel string `json:"auditLevel" binding:"omitempty,oneof=none low normal high critical"`
}

// RuleResponse represents a rule in API responses
type RuleResponse struct {
	ID          uint64 `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	Type       string     `json:"type"`
	Action     string     `json:"action"`
	Priority   int32      `json:"priority"`
	Enabled    bool       `json:"enabled"`
	Active     bool       `json:"active"`
	ValidFrom  *time.Time `json:"validFrom,omitempty"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`

	ProcessID   uint32 `json:"processId,omitempty"`
	ProcessName string `json:"processName,omitempty"`

	Protocol      string `json:"protocol,omitempty"`
	LocalPort     uint16 `json:"localPort,omitempty"`
	RemotePort    uint16 `json:"remotePort,omitempty"`
	RemoteAddress string `json:"remoteAddress,omitempty"`

	DeviceType string `json:"deviceType,omitempty"`
	HardwareID string `json:"hardwareId,omitempty"`

	UserSID    string `json:"userSid,omitempty"`
	AuditLevel string `json:"auditLevel"`

	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// RuleListResponse represents a list of rules
type RuleListResponse struct {
	Rules []RuleResponse `json:"rules"`
	Count int            `json:"count"`
}
