package models

// SelectImageRequest carries the outcome of a pick or capture on the client
type SelectImageRequest struct {
	Mode      string `json:"mode" binding:"required"`
	URI       string `json:"uri"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// RecognizeRequest optionally supplies text to score the recognition against
type RecognizeRequest struct {
	ExpectedText string `json:"expected_text,omitempty"`
}

// StateResponse wraps a pipeline snapshot. Cancelled is set when a pick was
// cancelled and the state was left unchanged.
type StateResponse struct {
	State     PipelineState `json:"state"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// RunListResponse lists recorded recognition runs, newest first
type RunListResponse struct {
	Runs []*RecognitionResult `json:"runs"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
}
