package contract

import (
	"encoding/hex"
)

// Topic opcode matrix thresholds. Each dimension maps to one
// of three levels (low/med/high), packed one byte at a time, prefixed by
// the fixed 0x0f marker byte.
const (
	sizeMedThreshold   = 8 * 1024 * 1024                // 8 MiB
	sizeHighThreshold  = 64 * 1024 * 1024               // 64 MiB
	durMedThresholdMs  = int64(30 * 24 * 3600 * 1000)   // 30 days
	durHighThresholdMs = int64(90 * 24 * 3600 * 1000)   // 90 days
	availMedThreshold  = 0.7
	availHighThreshold = 0.9
	speedMedThreshold  = 6.0  // Mbps
	speedHighThreshold = 12.0 // Mbps
)

// Matrix levels: low/med/high packed as 0x01/0x02/0x03.
const (
	matrixLow  byte = 0x01
	matrixMed  byte = 0x02
	matrixHigh byte = 0x03
)

// matrixLevel buckets v against ascending low/med thresholds: <=low is
// matrixLow, <=med is matrixMed, otherwise matrixHigh. Values beyond the
// high threshold still map to matrixHigh; there is no out-of-range degree.
func matrixLevel(v, low, med float64) byte {
	switch {
	case v <= low:
		return matrixLow
	case v <= med:
		return matrixMed
	default:
		return matrixHigh
	}
}

// sizeLevel buckets data size in bytes: <=8MiB low, <=64MiB med, else high.
func sizeLevel(bytes uint64) byte {
	return matrixLevel(float64(bytes), sizeMedThreshold, sizeHighThreshold)
}

// durationLevel buckets a store duration in milliseconds: <=30d low,
// <=90d med, else high.
func durationLevel(ms int64) byte {
	return matrixLevel(float64(ms), float64(durMedThresholdMs), float64(durHighThresholdMs))
}

// availabilityLevel buckets a target availability fraction:
// <=0.7 low, <=0.9 med, else high.
func availabilityLevel(fraction float64) byte {
	return matrixLevel(fraction, availMedThreshold, availHighThreshold)
}

// speedLevel buckets a target throughput in Mbps:
// <=6 low, <=12 med, else high.
func speedLevel(mbps float64) byte {
	return matrixLevel(mbps, speedMedThreshold, speedHighThreshold)
}

// GetTopicBuffer derives the 5-byte topic opcode: 0x0f followed by one byte
// per dimension (size, duration, availability, speed) in the low/med/high
// matrix used to route OFFER gossip.
func (c *Contract) GetTopicBuffer() []byte {
	durationMs := (c.StoreEnd - c.StoreBegin)
	buf := make([]byte, 5)
	buf[0] = 0x0f
	buf[1] = sizeLevel(c.DataSize)
	buf[2] = durationLevel(durationMs)
	buf[3] = availabilityLevel(c.Availability)
	buf[4] = speedLevel(c.SpeedMbps)
	return buf
}

// GetTopicString returns the 10-character hex encoding of GetTopicBuffer.
func (c *Contract) GetTopicString() string {
	return hex.EncodeToString(c.GetTopicBuffer())
}

// AllTopics enumerates every topic opcode string a descriptor can be
// published under, one per (size, duration, availability, speed) level
// combination. A farmer with no narrower preference subscribes to all of
// them.
func AllTopics() []string {
	levels := []byte{matrixLow, matrixMed, matrixHigh}
	out := make([]string, 0, len(levels)*len(levels)*len(levels)*len(levels))
	for _, size := range levels {
		for _, dur := range levels {
			for _, avail := range levels {
				for _, speed := range levels {
					out = append(out, hex.EncodeToString([]byte{0x0f, size, dur, avail, speed}))
				}
			}
		}
	}
	return out
}
