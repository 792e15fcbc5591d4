package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures list queries with pagination and filtering.
type ListOptions struct {
	Limit  int
	Offset int
	Kind   string // Optional event kind filter
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 50, Offset: 0}
}

// Clamp enforces limits (max 1000, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// IRQDelayRequest is the body of PUT /debug/irq-delay.
type IRQDelayRequest struct {
	Delay string `json:"delay"` // Go duration, e.g. "5ms"
}

// IRQDelayResponse reports the interrupt dispatch delay in effect.
type IRQDelayResponse struct {
	Delay string `json:"delay"`
}

// PowerResponse reports the scheduler power state after a power request.
type PowerResponse struct {
	Suspended bool   `json:"suspended"`
	Elapsed   string `json:"elapsed,omitempty"`
}

// StartRunRequest is the body of POST /runs.
type StartRunRequest struct {
	Sessions int `json:"sessions"`
	Frames   int `json:"frames"`
}

// Validate checks the request against the accepted ranges.
func (r StartRunRequest) Validate() *APIError {
	var details []FieldError
	if r.Sessions < 1 || r.Sessions > 256 {
		details = append(details, FieldError{Field: "sessions", Message: "must be between 1 and 256"})
	}
	if r.Frames < 1 || r.Frames > 100000 {
		details = append(details, FieldError{Field: "frames", Message: "must be between 1 and 100000"})
	}
	if len(details) > 0 {
		return NewValidationError("invalid run request", details...)
	}
	return nil
}
