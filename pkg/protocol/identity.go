package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeriveRunnerID derives the stable runner identity from its name and token:
// "runner_<normalizedName>_<first 12 hex of sha256(token)>". The same token
// always yields the same ID, which is what makes reclaim-on-reconnect work.
func DeriveRunnerID(runnerName, token string) string {
	sum := sha256.Sum256([]byte(token))
	return "runner_" + normalizeName(runnerName) + "_" + hex.EncodeToString(sum[:])[:12]
}

// normalizeName lowercases the runner name and collapses anything outside
// [a-z0-9] to single hyphens.
func normalizeName(name string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
