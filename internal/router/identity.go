package router

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"strconv"
)

var botTokenPattern = regexp.MustCompile(`\d+:[A-Za-z0-9_-]+`)

// ExtractBotToken pulls the first bot-token shaped substring out of text,
// empty when none is present.
func ExtractBotToken(text string) string {
	return botTokenPattern.FindString(text)
}

// ShortenToken renders a token safe for logs, keeping three characters from
// each end.
func ShortenToken(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[:3] + "…" + token[len(token)-3:]
}

// anonymousID derives a stable pseudonym from the sender's id and first name.
// The same sender always maps to the same tag, so with-history conversations
// stay threadable without exposing the identity behind them.
func anonymousID(userID int64, firstName string) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(userID, 10) + firstName))
	encoded := base64.RawURLEncoding.EncodeToString(sum[:])

	alnum := make([]byte, 0, 10)
	for i := 0; i < len(encoded) && len(alnum) < 10; i++ {
		c := encoded[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			alnum = append(alnum, c)
		}
	}
	for len(alnum) < 10 {
		alnum = append(alnum, 'x')
	}
	// Tags must read as hashtag words, so they start with a letter. The
	// substitute letter also derives from the hash to stay deterministic.
	if alnum[0] >= '0' && alnum[0] <= '9' {
		alnum[0] = 'a' + sum[0]%26
	}
	return "#" + string(alnum)
}
