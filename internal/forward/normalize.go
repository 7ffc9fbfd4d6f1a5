// ABOUTME: JID filtering and phone normalization for forwarding payloads.
// ABOUTME: Canonicalizes counterpart addresses to E.164 with a leading plus.

package forward

import "strings"

// isGroupOrBroadcast reports whether a JID targets a group or broadcast
// list. Such events are ignored entirely: no dedup entry, no forwarding.
func isGroupOrBroadcast(jid string) bool {
	return strings.Contains(jid, "@g.us") || strings.Contains(jid, "@broadcast")
}

// normalizePhone extracts the phone number from a JID-like address and
// canonicalizes it to international format with a leading plus.
// "85291234567:3@s.whatsapp.net" becomes "+85291234567".
func normalizePhone(jid string) string {
	phone := jid
	if i := strings.IndexByte(phone, '@'); i >= 0 {
		phone = phone[:i]
	}
	// Drop the device part of a multi-device JID.
	if i := strings.IndexByte(phone, ':'); i >= 0 {
		phone = phone[:i]
	}
	if phone == "" {
		return ""
	}
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return phone
}
