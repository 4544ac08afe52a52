package features

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
)

// upper bounds of the uniform ranges each synthetic feature is drawn from
var featureRanges = map[Category][]float64{
	CategoryNetwork: {1000, 100, 50, 10},
	CategoryProcess: {100, 1000, 50, 20},
	CategoryFile:    {100, 10, 50, 5},
	CategoryUser:    {10, 100, 20, 5},
	CategorySystem:  {100, 10, 5, 3},
}

const deviceIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// SyntheticSource simulates endpoint telemetry with uniform feature draws.
type SyntheticSource struct {
	rng Rand
}

// NewSyntheticSource creates a simulator drawing from rng
func NewSyntheticSource(rng Rand) *SyntheticSource {
	return &SyntheticSource{rng: rng}
}

// Sample draws one feature vector for category from a random workstation.
func (s *SyntheticSource) Sample(ctx context.Context, category Category) (Sample, error) {
	ranges, ok := featureRanges[category]
	if !ok {
		return Sample{}, apperrors.NewMalformedSampleError("synthetic_source",
			fmt.Sprintf("unknown feature category %q", category), nil)
	}

	values := make([]float64, len(ranges))
	for i, upper := range ranges {
		values[i] = s.rng.Float64() * upper
	}

	return Sample{
		Category: category,
		DeviceID: RandomDeviceID(s.rng),
		Values:   values,
	}, nil
}

// RandomDeviceID returns a workstation id of the form WS-XXXXXXXXX.
func RandomDeviceID(rng Rand) string {
	var b strings.Builder
	b.WriteString("WS-")
	for i := 0; i < 9; i++ {
		b.WriteByte(deviceIDAlphabet[Pick(rng, len(deviceIDAlphabet))])
	}
	return b.String()
}
