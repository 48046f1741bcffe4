// Package api is the request adapter for the randomness service: a thin
// façade over the epoch registry and key-sync controller, exposed over
// HTTP with gorilla/mux.
package api

// randomnessRequest is the wire request for POST /randomness and
// POST /instances/:name/randomness.
type randomnessRequest struct {
	Points []string `json:"points"`
	Epoch  *uint8   `json:"epoch,omitempty"`
}

// randomnessResponse is the wire response for the randomness endpoints.
type randomnessResponse struct {
	Points []string `json:"points"`
	Epoch  uint8    `json:"epoch"`
}

// infoResponse is the wire response for GET /info and
// GET /instances/:name/info.
type infoResponse struct {
	PublicKey     string  `json:"publicKey"`
	CurrentEpoch  uint8   `json:"currentEpoch"`
	NextEpochTime *string `json:"nextEpochTime"`
	MaxPoints     int     `json:"maxPoints"`
}

// instancesResponse is the wire response for GET /instances.
type instancesResponse struct {
	Instances       []string `json:"instances"`
	DefaultInstance string   `json:"defaultInstance"`
}

// errorResponse is the wire format for any non-2xx response.
type errorResponse struct {
	Message string `json:"message"`
}
