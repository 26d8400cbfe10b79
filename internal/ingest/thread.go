package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"net/mail"
	"regexp"
	"sort"
	"strings"
)

// replyPrefixRe matches one leading reply/forward token, optionally with a
// counter ("Re[2]:"), in the common English and client-inserted forms.
var replyPrefixRe = regexp.MustCompile(`(?i)^\s*(re|fw|fwd)(\[\d+\])?:\s*`)

// normalizeSubject strips repeated leading reply/forward prefixes, trims, and
// lowercases so replies and their root share one fallback key. Repeatable:
// normalizing an already-normalized subject changes nothing.
func normalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := replyPrefixRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizeAddress reduces "Display Name <user@host>" to a lowercased bare
// address. Unparseable input falls back to lowercased trimming so the result
// is still deterministic.
func normalizeAddress(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return ""
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil {
		return strings.ToLower(trimmed)
	}
	return strings.ToLower(parsed.Address)
}

// participantSet returns the sorted, de-duplicated, normalized set of
// from+to+cc addresses of a message, optionally merged with previously seen
// participants. BCC is excluded: it is not part of the visible conversation
// and would make the hash depend on delivery metadata.
func participantSet(in *InboundMessage, existing []string) []string {
	seen := make(map[string]struct{})

	add := func(address string) {
		if normalized := normalizeAddress(address); normalized != "" {
			seen[normalized] = struct{}{}
		}
	}

	add(in.From)
	add(in.To)
	for _, cc := range in.CC {
		add(cc)
	}
	for _, prior := range existing {
		add(prior)
	}

	participants := make([]string, 0, len(seen))
	for address := range seen {
		participants = append(participants, address)
	}
	sort.Strings(participants)
	return participants
}

// participantHash is the stable digest of a normalized participant set, the
// fallback thread-matching key.
func participantHash(participants []string) string {
	h := sha256.New()
	for _, p := range participants {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// headerChain collects {in_reply_to} ∪ references, ignoring empties, for the
// header-chain thread match.
func headerChain(in *InboundMessage) []string {
	seen := make(map[string]struct{})
	var chain []string

	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		chain = append(chain, id)
	}

	add(in.InReplyTo)
	for _, ref := range in.References {
		add(ref)
	}
	return chain
}
