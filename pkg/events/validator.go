// pkg/events/validator.go
package events

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
)

const (
	defaultMaxMetadataSize = 8192
	maxFieldLength         = 256
	maxRateLimiters        = 10000
)

// EventValidator validates and sanitizes threat events before they reach the bus
type EventValidator struct {
	rateLimiters    *lru.Cache[string, *rate.Limiter] // device -> limiter
	maxMetadataSize int
	limit           rate.Limit
	burst           int
	mu              sync.Mutex
}

// NewEventValidator creates a validator allowing perMinute events per device.
// A non-positive perMinute disables rate limiting.
func NewEventValidator(maxMetadataSize, perMinute int) *EventValidator {
	if maxMetadataSize <= 0 {
		maxMetadataSize = defaultMaxMetadataSize
	}

	// lru.New only fails for a non-positive size
	limiters, _ := lru.New[string, *rate.Limiter](maxRateLimiters)

	ev := &EventValidator{
		rateLimiters:    limiters,
		maxMetadataSize: maxMetadataSize,
		limit:           rate.Inf,
	}
	if perMinute > 0 {
		ev.limit = rate.Limit(float64(perMinute) / 60.0)
		ev.burst = perMinute/10 + 1
	}
	return ev
}

// ValidateEvent checks required fields and ranges, sanitizes free-text fields
// in place and applies the per-device rate limit.
func (ev *EventValidator) ValidateEvent(event *ThreatEvent) error {
	if event.DeviceID == "" {
		return malformed("event device id is required", nil)
	}
	if !event.Category.Valid() {
		return malformed(fmt.Sprintf("invalid event type: %q", event.Category), nil)
	}
	if !event.Severity.Valid() {
		return malformed(fmt.Sprintf("invalid severity: %q", event.Severity), nil)
	}
	if math.IsNaN(event.Confidence) || event.Confidence < 0 || event.Confidence > 1 {
		return malformed("confidence must be within [0,1]", map[string]interface{}{
			"confidence": event.Confidence,
		})
	}

	event.DeviceID = sanitizeString(event.DeviceID)
	event.UserID = sanitizeString(event.UserID)
	event.ProcessName = sanitizeString(event.ProcessName)
	event.FileName = sanitizeString(event.FileName)
	event.Signature = sanitizeString(event.Signature)

	if event.Metadata != nil {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return malformed("event metadata is not serializable", map[string]interface{}{"cause": err.Error()})
		}
		if len(encoded) > ev.maxMetadataSize {
			return malformed(fmt.Sprintf("event metadata too large (max %d bytes)", ev.maxMetadataSize), nil)
		}
	}

	if !ev.checkRateLimit(event.DeviceID) {
		return malformed(fmt.Sprintf("rate limit exceeded for device: %s", event.DeviceID), nil)
	}

	return nil
}

// checkRateLimit checks if the device is within its event rate
func (ev *EventValidator) checkRateLimit(deviceID string) bool {
	if ev.limit == rate.Inf {
		return true
	}

	ev.mu.Lock()
	limiter, exists := ev.rateLimiters.Get(deviceID)
	if !exists {
		limiter = rate.NewLimiter(ev.limit, ev.burst)
		ev.rateLimiters.Add(deviceID, limiter)
	}
	ev.mu.Unlock()

	return limiter.Allow()
}

// trackedDevices returns the number of devices holding a rate limiter
func (ev *EventValidator) trackedDevices() int {
	return ev.rateLimiters.Len()
}

func malformed(msg string, details map[string]interface{}) error {
	return apperrors.NewMalformedSampleError("event_validator", msg, details)
}

// sanitizeString removes control characters and bounds the length
func sanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")

	if len(s) > maxFieldLength {
		s = s[:maxFieldLength]
	}

	return strings.TrimSpace(s)
}
