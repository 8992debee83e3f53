// Package access decides whether a sender may address the agent. Identities
// are phone-like strings or transport addresses such as
// "15551234567@s.whatsapp.net" or the bridge form "15551234567@c.us".
package access

import "strings"

const (
	userSuffix       = "@s.whatsapp.net"
	bridgeUserSuffix = "@c.us"
	groupSuffix      = "@g.us"
	privacySuffix    = "@lid"
)

var addressSuffixes = []string{userSuffix, bridgeUserSuffix, groupSuffix, privacySuffix}

var identityStripper = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", "+", "")

// NormalizeIdentity strips spaces, hyphens, parentheses, plus signs and
// leading zeros.
func NormalizeIdentity(raw string) string {
	return strings.TrimLeft(identityStripper.Replace(raw), "0")
}

// IsWhitelisted reports whether identity matches any whitelist entry. Both
// sides are normalized; a match is equality or either side being a suffix of
// the other, which absorbs country-code differences.
func IsWhitelisted(identity string, whitelist []string) bool {
	id := NormalizeIdentity(IdentityFromTransportAddress(identity))
	if id == "" {
		return false
	}
	for _, entry := range whitelist {
		allowed := NormalizeIdentity(IdentityFromTransportAddress(entry))
		if allowed == "" {
			continue
		}
		if id == allowed || strings.HasSuffix(id, allowed) || strings.HasSuffix(allowed, id) {
			return true
		}
	}
	return false
}

// IsGroupIdentity reports whether addr names a group chat.
func IsGroupIdentity(addr string) bool {
	return strings.HasSuffix(addr, groupSuffix)
}

// IsPrivacyID reports whether addr is a WhatsApp privacy id. Those are used
// for group participants and may change between sessions.
func IsPrivacyID(addr string) bool {
	return strings.HasSuffix(addr, privacySuffix)
}

// IdentityFromTransportAddress returns the bare identifier of a transport
// address, dropping the server suffix and any ":device" part.
func IdentityFromTransportAddress(addr string) string {
	for _, suffix := range addressSuffixes {
		if strings.HasSuffix(addr, suffix) {
			addr = strings.TrimSuffix(addr, suffix)
			break
		}
	}
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

// ToTransportAddress turns a phone number into a direct-chat address.
func ToTransportAddress(phone string) string {
	return NormalizeIdentity(phone) + userSuffix
}
