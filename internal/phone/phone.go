package phone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ttacon/libphonenumber"
)

var (
	ErrEmptyHandle   = errors.New("phone: handle is empty")
	ErrInvalidNumber = errors.New("phone: invalid number")
)

// identityPrefixes mark handles that are client identities rather than numbers.
var identityPrefixes = []string{"client:", "sip:"}

// IsIdentity reports whether the handle addresses an app client or SIP user.
func IsIdentity(handle string) bool {
	h := strings.ToLower(strings.TrimSpace(handle))
	for _, p := range identityPrefixes {
		if strings.HasPrefix(h, p) {
			return true
		}
	}
	return false
}

// Normalize returns the E.164 form of raw. Client and SIP identities pass through.
// region is the ISO 3166 code used for national-format input, e.g. "US".
func Normalize(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyHandle
	}
	if IsIdentity(raw) {
		return raw, nil
	}
	num, err := libphonenumber.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidNumber, raw, err)
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}

// Display formats a handle for the call UI, falling back to the raw value.
func Display(raw, region string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || IsIdentity(raw) {
		return raw
	}
	num, err := libphonenumber.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return raw
	}
	return libphonenumber.Format(num, libphonenumber.INTERNATIONAL)
}
