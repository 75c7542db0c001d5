package server

// HealthcheckResponse is the body of GET /percy/healthcheck (spec.md §4.6).
type HealthcheckResponse struct {
	Success  bool        `json:"success"`
	LogLevel string      `json:"loglevel"`
	Config   interface{} `json:"config"`
	Build    interface{} `json:"build,omitempty"`
}

// SnapshotRequestBody is the JSON body of POST /percy/snapshot: a Snapshot
// payload plus the optional concurrent flag (spec.md §6).
type SnapshotRequestBody struct {
	Name             string            `json:"name"`
	URL              string            `json:"url"`
	Widths           []int             `json:"widths"`
	MinHeight        int               `json:"minHeight"`
	RequestHeaders   map[string]string `json:"requestHeaders"`
	ClientInfo       string            `json:"clientInfo"`
	EnvironmentInfo  string            `json:"environmentInfo"`
	DOMSnapshot      string            `json:"domSnapshot"`
	EnableJavaScript *bool             `json:"enableJavaScript"`
	Concurrent       *bool             `json:"concurrent"`
}

// SuccessResponse is the uniform {success:true} envelope for endpoints with
// no further payload.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is the uniform {success:false, error} envelope every
// handler returns on failure (spec.md §4.6).
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
