package ocpp

import "strings"

// Version is a negotiated websocket sub-protocol token.
type Version string

const (
	V16  Version = "ocpp1.6"
	V201 Version = "ocpp2.0.1"
	V21  Version = "ocpp2.1"
)

// SupportedVersions lists the sub-protocols in negotiation priority order.
var SupportedVersions = []Version{V21, V201, V16}

// Negotiate picks the first supported version, in priority order, that the
// client offered. Token comparison is case-insensitive.
func Negotiate(offered []string) (Version, bool) {
	for _, v := range SupportedVersions {
		for _, o := range offered {
			if strings.EqualFold(strings.TrimSpace(o), string(v)) {
				return v, true
			}
		}
	}
	return "", false
}

func (v Version) formatViolation() ErrorCode {
	if v == V16 {
		return ErrorFormationViolation
	}
	return ErrorFormatViolation
}
