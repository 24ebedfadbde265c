package models

// MessageResponse is a plain acknowledgement
type MessageResponse struct {
	Message string `json:"message"`
}
