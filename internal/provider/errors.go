package provider

import "strings"

// authErrorMarkers are substrings of provider output that indicate an
// expired or missing credential rather than a run failure.
var authErrorMarkers = []string{
	"oauth token has expired",
	"authentication_error",
	"invalid bearer token",
	"please run /login",
	"401",
	"credit balance is too low",
}

// staleResumeMarkers indicate the resume id no longer names a live
// conversation on the provider side.
var staleResumeMarkers = []string{
	"no conversation found with session id",
	"no conversation found",
	"session not found",
}

// IsAuthError reports whether text (result payload or stderr tail) looks
// like a credential failure. These start the re-auth flow instead of
// surfacing as run errors.
func IsAuthError(text string) bool {
	return containsAny(text, authErrorMarkers)
}

// IsStaleResumeError reports whether text indicates the provider resume
// id went stale. The caller clears it and retries fresh exactly once.
func IsStaleResumeError(text string) bool {
	return containsAny(text, staleResumeMarkers)
}

func containsAny(text string, markers []string) bool {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
