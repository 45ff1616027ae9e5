package rssi

import "math"

// Signal propagation exponent bounds. Roughly 2.0 corresponds to free space
// and 4.0 to an indoor environment with walls and furniture. The range is a
// recommendation and is not enforced.
const (
	MinPropagationExponent     = 2.0
	MaxPropagationExponent     = 4.0
	DefaultPropagationExponent = 2.0
)

// EstimateDistance returns the estimated distance in meters between an
// adapter and a device using the log-distance path loss model:
//
//	d = 10 ^ ((txPower - rssi) / (10 * exponent))
//
// txPower is the signal strength measured one meter away from the adapter.
// When txPower is 0 (unknown), 0 is returned as a sentinel for "unavailable".
func EstimateDistance(txPower, rssi int16, exponent float64) float64 {
	if txPower == 0 {
		return 0
	}
	if exponent == 0 {
		exponent = DefaultPropagationExponent
	}
	return math.Pow(10, float64(txPower-rssi)/(10*exponent))
}
