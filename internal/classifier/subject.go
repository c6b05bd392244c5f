package classifier

import "strings"

var replyPrefixes = []string{"re:", "fwd:", "fw:"}

// NormalizeSubject strips any number of leading reply/forward prefixes and
// lowercases the rest. The second result reports whether a prefix was found.
func NormalizeSubject(subject string) (string, bool) {
	s := strings.TrimSpace(subject)
	stripped := false
	for {
		lower := strings.ToLower(s)
		found := false
		for _, p := range replyPrefixes {
			if strings.HasPrefix(lower, p) {
				s = strings.TrimSpace(s[len(p):])
				found = true
				stripped = true
				break
			}
		}
		if !found {
			break
		}
	}
	return strings.ToLower(s), stripped
}

// ThreadKey returns the conversation key for a subject, or "" when the
// subject is not a reply or forward.
func ThreadKey(subject string) string {
	key, isReply := NormalizeSubject(subject)
	if !isReply || key == "" {
		return ""
	}
	return key
}
