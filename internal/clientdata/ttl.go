package clientdata

import "time"

// TTL constants for cached provider responses.
// These are added to the current time when storing to calculate expires_at.
const (
	// Company profiles: name and share counts move slowly
	TTLCompanyProfile = 24 * time.Hour

	// Guidance submissions are revised a few times a day at most
	TTLGuidance = 6 * time.Hour
)
