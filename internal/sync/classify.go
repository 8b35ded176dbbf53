package sync

import (
	"strings"

	"github.com/nhle/mailsync/internal/crossref"
	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/model"
)

// Kind is the routing decision for an inbound message.
type Kind int

const (
	KindIgnore Kind = iota
	KindReply
	KindBounce
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindBounce:
		return "bounce"
	default:
		return "ignore"
	}
}

// EventType returns the event type recorded for the kind.
func (k Kind) EventType() model.EventType {
	switch k {
	case KindReply:
		return model.EventTypeReply
	case KindBounce:
		return model.EventTypeBounce
	default:
		return ""
	}
}

// Classification is the routing decision plus the addresses that may
// identify the lead the message is about.
type Classification struct {
	Kind       Kind
	Candidates []string
}

// BounceRules lists the case-insensitive substrings that mark a message as
// a delivery failure report.
type BounceRules struct {
	SenderPatterns  []string
	SubjectPatterns []string
}

// DefaultBounceRules matches mailer-daemon and postmaster senders and the
// usual delivery failure subjects.
func DefaultBounceRules() BounceRules {
	return BounceRules{
		SenderPatterns:  []string{"mailer-daemon", "postmaster"},
		SubjectPatterns: []string{"delivery status notification", "undelivered"},
	}
}

// Classifier routes parsed messages to bounce or reply handling.
type Classifier struct {
	senders  []string
	subjects []string
}

// NewClassifier creates a Classifier. Empty pattern lists fall back to
// DefaultBounceRules.
func NewClassifier(rules BounceRules) *Classifier {
	defaults := DefaultBounceRules()
	if len(rules.SenderPatterns) == 0 {
		rules.SenderPatterns = defaults.SenderPatterns
	}
	if len(rules.SubjectPatterns) == 0 {
		rules.SubjectPatterns = defaults.SubjectPatterns
	}

	return &Classifier{
		senders:  lowerAll(rules.SenderPatterns),
		subjects: lowerAll(rules.SubjectPatterns),
	}
}

// Classify decides how msg is handled. Bounces take every address in the
// body as a candidate recipient; replies take the sender.
func (c *Classifier) Classify(msg *mailbox.Message) Classification {
	if msg == nil {
		return Classification{Kind: KindIgnore}
	}

	if c.IsBounce(msg) {
		return Classification{
			Kind:       KindBounce,
			Candidates: crossref.ExtractAddresses(msg.Text),
		}
	}

	from := crossref.NormalizeAddress(msg.From)
	if from == "" {
		return Classification{Kind: KindIgnore}
	}

	return Classification{Kind: KindReply, Candidates: []string{from}}
}

// IsBounce reports whether msg looks like a delivery failure report.
func (c *Classifier) IsBounce(msg *mailbox.Message) bool {
	from := strings.ToLower(msg.From)
	for _, p := range c.senders {
		if strings.Contains(from, p) {
			return true
		}
	}

	subject := strings.ToLower(msg.Subject)
	for _, p := range c.subjects {
		if strings.Contains(subject, p) {
			return true
		}
	}

	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
