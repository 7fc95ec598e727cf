// Package util provides utility functions for the WellnessCoach application.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID returns "{prefix}{uuid hex}" with the dashes removed.
func GenerateRandomID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateOutboxID generates a unique outbox message ID with "outbox_" prefix.
func GenerateOutboxID() string {
	return GenerateRandomID("outbox_")
}

// GenerateAnalysisID generates a unique analysis record ID with "an_" prefix.
func GenerateAnalysisID() string {
	return GenerateRandomID("an_")
}

// GenerateLockToken returns an opaque token identifying one lock holder.
func GenerateLockToken() string {
	return uuid.NewString()
}
