// Package risk scores authentication attempts and live sessions from device
// evidence. Every function here is pure: the result depends only on the
// arguments, including the explicit timestamps, so callers can replay a
// decision exactly.
package risk

import (
	"math"
	"sort"
	"time"

	"github.com/stepguard/stepguard/internal/device"
)

// Reason identifies a factor that contributed to a score.
type Reason string

const (
	ReasonUnrecognizedDevice Reason = "unrecognized_device"
	ReasonLowConfidence      Reason = "low_confidence"
	ReasonImpossibleTravel   Reason = "impossible_travel"
	ReasonDeviceMismatch     Reason = "device_mismatch"
)

const (
	unrecognizedDeviceWeight   = 40
	lowConfidenceWeight        = 30
	loginImpossibleTravel      = 50
	continuousImpossibleTravel = 40
	deviceMismatchWeight       = 60

	// MaxScore caps the additive total.
	MaxScore = 100

	// LowConfidenceBelow is the fingerprint confidence under which a reading is
	// considered unreliable.
	LowConfidenceBelow = 70

	// EarthRadiusKm is the mean Earth radius used by Haversine.
	EarthRadiusKm = 6371.0

	// MaxSpeedKmh is the fastest plausible travel speed (air travel).
	MaxSpeedKmh = 1000.0
)

// Login step-up thresholds.
const (
	DenyAtOrAbove   = 80
	StepUpAtOrAbove = 30
)

// RevokeAtOrAbove is the continuous score at which a live session is revoked.
const RevokeAtOrAbove = 70

// Assessment is a score with the reasons that produced it, sorted so equal
// inputs always yield equal assessments.
type Assessment struct {
	Score   int      `json:"score"`
	Reasons []Reason `json:"reasons"`
}

// Has reports whether r contributed to the assessment.
func (a Assessment) Has(r Reason) bool {
	for _, got := range a.Reasons {
		if got == r {
			return true
		}
	}
	return false
}

// Sighting is a coordinate observed at a point in time.
type Sighting struct {
	Point device.GeoPoint
	At    time.Time
}

// LoginInput carries the evidence used when an OTP is submitted.
type LoginInput struct {
	TrustedFingerprints []string
	Current             device.Snapshot
	Now                 time.Time
	// Priors are earlier sightings of the same subject: the latest active
	// session and the credentials-time snapshot.
	Priors []Sighting
}

// SessionInput carries the evidence used on each protected-resource access.
type SessionInput struct {
	BoundVisitorID string
	BoundLocation  *device.GeoPoint
	LastAccessed   time.Time
	Current        device.Snapshot
	Now            time.Time
}

type factor struct {
	reason Reason
	weight int
}

// ScoreLogin scores an authentication attempt at the OTP step.
func ScoreLogin(in LoginInput) Assessment {
	var factors []factor
	if in.Current.VisitorID != "" && !contains(in.TrustedFingerprints, in.Current.VisitorID) {
		factors = append(factors, factor{ReasonUnrecognizedDevice, unrecognizedDeviceWeight})
	}
	if in.Current.Confidence < LowConfidenceBelow {
		factors = append(factors, factor{ReasonLowConfidence, lowConfidenceWeight})
	}
	if in.Current.Geolocation != nil {
		current := Sighting{Point: *in.Current.Geolocation, At: in.Now}
		for _, prior := range in.Priors {
			if ImpossibleTravel(prior, current) {
				factors = append(factors, factor{ReasonImpossibleTravel, loginImpossibleTravel})
				break
			}
		}
	}
	return total(factors)
}

// ScoreSession scores a protected-resource access against the snapshot the
// session was issued with.
func ScoreSession(in SessionInput) Assessment {
	var factors []factor
	if in.BoundVisitorID != "" && in.Current.VisitorID != in.BoundVisitorID {
		factors = append(factors, factor{ReasonDeviceMismatch, deviceMismatchWeight})
	}
	if in.BoundLocation != nil && in.Current.Geolocation != nil {
		prior := Sighting{Point: *in.BoundLocation, At: in.LastAccessed}
		current := Sighting{Point: *in.Current.Geolocation, At: in.Now}
		if ImpossibleTravel(prior, current) {
			factors = append(factors, factor{ReasonImpossibleTravel, continuousImpossibleTravel})
		}
	}
	return total(factors)
}

// Haversine returns the great-circle distance between a and b in kilometres.
func Haversine(a, b device.GeoPoint) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// ImpossibleTravel reports whether moving between the two sightings would
// require exceeding MaxSpeedKmh. Gaps shorter than a minute, or negative gaps
// from clock skew, count as zero elapsed time: any movement is impossible.
func ImpossibleTravel(from, to Sighting) bool {
	distance := Haversine(from.Point, to.Point)
	if distance == 0 {
		return false
	}
	elapsed := to.At.Sub(from.At)
	if elapsed < 0 {
		elapsed = -elapsed
	}
	if elapsed < time.Minute {
		return true
	}
	return distance > MaxSpeedKmh*elapsed.Hours()
}

func total(factors []factor) Assessment {
	score := 0
	reasons := make([]Reason, 0, len(factors))
	for _, f := range factors {
		score += f.weight
		reasons = append(reasons, f.reason)
	}
	if score > MaxScore {
		score = MaxScore
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	return Assessment{Score: score, Reasons: reasons}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
