package features

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Category is a telemetry signal family. Each category has its own anomaly model.
type Category string

const (
	CategoryNetwork Category = "network"
	CategoryProcess Category = "process"
	CategoryFile    Category = "file"
	CategoryUser    Category = "user"
	CategorySystem  Category = "system"
)

// Categories lists every signal category in evaluation order.
var Categories = []Category{CategoryNetwork, CategoryProcess, CategoryFile, CategoryUser, CategorySystem}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := featureNames[c]
	return ok
}

var featureNames = map[Category][]string{
	CategoryNetwork: {"bytesPerSecond", "connectionsPerMinute", "uniqueDestinations", "failedConnections"},
	CategoryProcess: {"cpuUsage", "memoryUsageMB", "fileOperations", "networkConnections"},
	CategoryFile:    {"modificationsPerMinute", "executablesCreated", "systemFileAccesses", "registryMods"},
	CategoryUser:    {"loginAttempts", "commandsExecuted", "privilegeEscalations", "failedAuth"},
	CategorySystem:  {"systemLoad", "serviceRestarts", "configChanges", "errorEvents"},
}

// FeatureNames returns the positional feature names of a category.
func FeatureNames(c Category) []string {
	return append([]string(nil), featureNames[c]...)
}

// Sample is one feature vector observed for a device.
type Sample struct {
	Category  Category  `json:"category"`
	DeviceID  string    `json:"device_id"`
	Values    []float64 `json:"values"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Named maps each value to its feature name. Positions beyond the known
// names are keyed feature_<index>. Values are rounded to two decimals.
func (s Sample) Named() map[string]float64 {
	names := featureNames[s.Category]
	out := make(map[string]float64, len(s.Values))
	for i, v := range s.Values {
		key := fmt.Sprintf("feature_%d", i)
		if i < len(names) {
			key = names[i]
		}
		out[key] = Round2(v)
	}
	return out
}

// Source produces feature samples on demand.
type Source interface {
	Sample(ctx context.Context, category Category) (Sample, error)
}

// Rand is the randomness the engines draw from. *math/rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64()
}

// NewRand returns a goroutine-safe seeded Rand.
func NewRand(seed int64) Rand {
	return &lockedRand{rng: rand.New(rand.NewSource(seed))}
}

// FixedRand always returns the same value. Useful to force admission or jitter.
type FixedRand float64

func (f FixedRand) Float64() float64 { return float64(f) }

// Pick returns an index in [0,n) drawn from rng.
func Pick(rng Rand, n int) int {
	if n <= 0 {
		return 0
	}
	i := int(rng.Float64() * float64(n))
	if i >= n {
		i = n - 1
	}
	return i
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
