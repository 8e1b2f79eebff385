package device

import "time"

// GeoPoint is a precise browser-reported coordinate.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// IPLocation is the coarse location resolved from the requester IP.
type IPLocation struct {
	City      string  `json:"city,omitempty"`
	Region    string  `json:"region,omitempty"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Snapshot is the fingerprint and location evidence captured with a single
// request. It is a value: once captured it is never modified.
type Snapshot struct {
	VisitorID   string      `json:"visitor_id,omitempty"`
	Confidence  float64     `json:"confidence"`
	Geolocation *GeoPoint   `json:"geolocation,omitempty"`
	IPLocation  *IPLocation `json:"ip_location,omitempty"`
	IP          string      `json:"ip,omitempty"`
	CapturedAt  time.Time   `json:"captured_at"`
}

// Payload is the client-reported part of a snapshot as it arrives over HTTP.
type Payload struct {
	VisitorID   string      `json:"visitor_id"`
	Confidence  float64     `json:"confidence"`
	Geolocation *GeoPoint   `json:"geolocation"`
	IPLocation  *IPLocation `json:"ip_location"`
}

// Snapshot stamps the payload with the requester IP and capture time.
// Confidence is clamped to 0..100.
func (p Payload) Snapshot(ip string, at time.Time) Snapshot {
	confidence := p.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}
	return Snapshot{
		VisitorID:   p.VisitorID,
		Confidence:  confidence,
		Geolocation: p.Geolocation,
		IPLocation:  p.IPLocation,
		IP:          ip,
		CapturedAt:  at,
	}
}
