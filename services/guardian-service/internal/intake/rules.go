package intake

import (
	"regexp"
	"strings"

	"github.com/stoik/guardian/services/guardian-service/internal/composer"
)

// Category groups rules by the disposition they produce.
type Category string

const (
	CategoryReply Category = "reply"
	CategoryNoise Category = "noise"
)

// Field selects the part of a message a rule inspects.
type Field string

const (
	FieldSender  Field = "sender"
	FieldSubject Field = "subject"
	FieldSnippet Field = "snippet"
)

// Rule matches one message field, case-insensitively, either by substring
// or by pattern.
type Rule struct {
	Name      string
	Category  Category
	Field     Field
	Substring string
	Pattern   *regexp.Regexp
}

// Match reports whether the rule matches the given message fields.
func (r Rule) Match(sender, subject, snippet string) bool {
	var v string
	switch r.Field {
	case FieldSender:
		v = sender
	case FieldSubject:
		v = subject
	case FieldSnippet:
		v = snippet
	default:
		return false
	}
	if r.Pattern != nil {
		return r.Pattern.MatchString(v)
	}
	return r.Substring != "" && strings.Contains(strings.ToLower(v), strings.ToLower(r.Substring))
}

// ReplyRules recognise replies to donation requests.
var ReplyRules = []Rule{
	{Name: "request-marker", Category: CategoryReply, Field: FieldSubject, Substring: composer.SubjectMarker},
	{Name: "request-reply", Category: CategoryReply, Field: FieldSubject,
		Pattern: regexp.MustCompile(`(?i)^re:\s+.*\s+-\s+` + regexp.QuoteMeta(composer.SubjectMarker))},
	{Name: "double-re", Category: CategoryReply, Field: FieldSubject,
		Pattern: regexp.MustCompile(`(?i)^\s*re:\s*re:`)},
}

// NoiseRules recognise bounces and automated mail.
var NoiseRules = []Rule{
	{Name: "mailer-daemon", Category: CategoryNoise, Field: FieldSender, Substring: "mailer-daemon"},
	{Name: "postmaster", Category: CategoryNoise, Field: FieldSender, Substring: "postmaster"},
	{Name: "no-reply", Category: CategoryNoise, Field: FieldSender, Substring: "no-reply"},
	{Name: "noreply", Category: CategoryNoise, Field: FieldSender, Substring: "noreply"},
	{Name: "donotreply", Category: CategoryNoise, Field: FieldSender, Substring: "donotreply"},
	{Name: "daemon", Category: CategoryNoise, Field: FieldSender, Substring: "daemon@"},
	{Name: "delivery-status", Category: CategoryNoise, Field: FieldSubject, Substring: "delivery status notification"},
	{Name: "undelivered", Category: CategoryNoise, Field: FieldSubject, Substring: "undelivered mail"},
	{Name: "undeliverable", Category: CategoryNoise, Field: FieldSubject, Substring: "undeliverable"},
	{Name: "delivery-failure", Category: CategoryNoise, Field: FieldSubject, Substring: "delivery failure"},
	{Name: "delivery-failed", Category: CategoryNoise, Field: FieldSubject, Substring: "mail delivery failed"},
	{Name: "returned-mail", Category: CategoryNoise, Field: FieldSubject, Substring: "returned mail"},
	{Name: "failure-notice", Category: CategoryNoise, Field: FieldSubject, Substring: "failure notice"},
	{Name: "address-not-found-subject", Category: CategoryNoise, Field: FieldSubject, Substring: "address not found"},
	{Name: "address-not-found", Category: CategoryNoise, Field: FieldSnippet, Substring: "address not found"},
	{Name: "couldnt-be-delivered", Category: CategoryNoise, Field: FieldSnippet, Substring: "message wasn't delivered"},
}

// firstMatch returns the first rule of rules matching the fields.
func firstMatch(rules []Rule, sender, subject, snippet string) (Rule, bool) {
	for _, r := range rules {
		if r.Match(sender, subject, snippet) {
			return r, true
		}
	}
	return Rule{}, false
}
