package pipeline

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/bizzybee90/bizzybee/pkg/nylas"
)

var (
	replyPrefixRe = regexp.MustCompile(`(?i)^(re|fwd?|aw|sv)\s*(\[\d+\])?\s*:\s*`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
	htmlTagRe     = regexp.MustCompile(`(?s)<[^>]*>`)
	htmlHeadRe    = regexp.MustCompile(`(?is)<(head|style|script)\b.*?</(head|style|script)>`)
	brRe          = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</tr>`)
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
)

// normalizeSubject strips reply/forward prefixes and collapses whitespace so
// "RE: Re: Quote" and "Quote" key to the same thread.
func normalizeSubject(subject string) string {
	s := norm.NFC.String(subject)
	for {
		stripped := replyPrefixRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}

// threadKey derives the stable key a message's conversation is looked up by.
// The provider thread ID wins when present; otherwise the normalized subject
// paired with the counterparty address stands in for it.
func threadKey(msg *nylas.Message, counterpart string) string {
	if msg.ThreadID != "" {
		return msg.ThreadID
	}
	seed := normalizeSubject(msg.Subject) + "|" + strings.ToLower(counterpart)
	return fmt.Sprintf("subj-%x", sha256.Sum256([]byte(seed)))
}

// senderDomain extracts the bare lowercased domain from an address.
func senderDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:]))
}

// cleanBody reduces a raw email body to the text the classifier and voice
// builder should see: HTML stripped, quoted reply history and signatures cut.
func cleanBody(raw string) string {
	s := raw

	if strings.Contains(s, "<") {
		s = htmlHeadRe.ReplaceAllString(s, "")
		s = brRe.ReplaceAllString(s, "\n")
		s = htmlTagRe.ReplaceAllString(s, "")
	}

	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = strings.ReplaceAll(s, "\r\n", "\n")

	lines := strings.Split(s, "\n")
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		// Signature delimiter ends the usable body.
		if trimmed == "--" || trimmed == "-- " {
			break
		}
		// Quoted reply history.
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		// Attribution line introducing quoted history ("On ... wrote:").
		if strings.HasPrefix(trimmed, "On ") && strings.HasSuffix(trimmed, "wrote:") {
			break
		}

		kept = append(kept, strings.TrimRight(line, " \t"))
	}

	out := strings.Join(kept, "\n")
	out = blankLinesRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
