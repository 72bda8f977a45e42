package bridge

import (
	"fmt"
	"regexp"
	"strings"
)

const RootAddress = "/"

// the root `/`, or one or more segments each introduced by a single `/`, with an optional trailing `/`
// segments may not contain whitespace or osc pattern characters
var addressRe = regexp.MustCompile(`^(/|(/[^/\s#*,?\[\]{}]+)+/?)$`)

// a blob address names a binary payload destination. Its last segment is `blob`.
var blobAddressRe = regexp.MustCompile(`^(/[^/\s#*,?\[\]{}]+)*/blob/?$`)

func ValidateAddress(address string) error {
	if !addressRe.MatchString(address) {
		return fmt.Errorf("%q: %w", address, ErrInvalidAddress)
	}
	return nil
}

func IsBlobAddress(address string) bool {
	return blobAddressRe.MatchString(address)
}

// `/a/` and `/a` are the same address
func NormalizeAddress(address string) string {
	segments := AddressSegments(address)
	if len(segments) == 0 {
		return RootAddress
	}
	return RootAddress + strings.Join(segments, "/")
}

func AddressSegments(address string) []string {
	segments := []string{}
	for _, segment := range strings.Split(address, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}
