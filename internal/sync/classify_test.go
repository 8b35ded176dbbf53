package sync

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/model"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(DefaultBounceRules())

	tests := []struct {
		name       string
		msg        *mailbox.Message
		kind       Kind
		candidates []string
	}{
		{
			name: "mailer daemon sender",
			msg: &mailbox.Message{
				From:    "MAILER-DAEMON@mx.example.com",
				Subject: "failure notice",
				Text:    "Could not deliver to gone@lost.com",
			},
			kind:       KindBounce,
			candidates: []string{"gone@lost.com"},
		},
		{
			name: "bounce subject from ordinary sender",
			msg: &mailbox.Message{
				From:    "noreply@example.com",
				Subject: "Undelivered Mail Returned to Sender",
				Text:    "nobody here",
			},
			kind: KindBounce,
		},
		{
			name: "reply",
			msg: &mailbox.Message{
				From:    " Lead@Company.com ",
				Subject: "Re: intro",
				Text:    "cc boss@company.com",
			},
			kind:       KindReply,
			candidates: []string{"lead@company.com"},
		},
		{
			name: "no sender",
			msg:  &mailbox.Message{Subject: "hello"},
			kind: KindIgnore,
		},
		{
			name: "nil message",
			kind: KindIgnore,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Classify(tc.msg)
			require.Equal(t, tc.kind, got.Kind)
			require.Equal(t, tc.candidates, got.Candidates)
		})
	}
}

func TestClassifierCustomRules(t *testing.T) {
	c := NewClassifier(BounceRules{
		SenderPatterns:  []string{"Bounces+"},
		SubjectPatterns: []string{"Returned mail"},
	})

	require.True(t, c.IsBounce(&mailbox.Message{From: "bounces+123@esp.io"}))
	require.True(t, c.IsBounce(&mailbox.Message{Subject: "RETURNED MAIL: see transcript"}))
	require.False(t, c.IsBounce(&mailbox.Message{From: "mailer-daemon@x.com"}))
}

func TestKindEventType(t *testing.T) {
	require.Equal(t, model.EventTypeReply, KindReply.EventType())
	require.Equal(t, model.EventTypeBounce, KindBounce.EventType())
	require.Equal(t, model.EventType(""), KindIgnore.EventType())
	require.Equal(t, "bounce", KindBounce.String())
}

func genAddress() *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		local := rapid.StringMatching(`[a-z][a-z0-9]{0,7}`).Draw(t, "local")
		domain := rapid.StringMatching(`[a-z]{2,8}\.(com|net|org)`).Draw(t, "domain")
		return local + "@" + domain
	})
}

func genPlainSubject() *rapid.Generator[string] {
	return rapid.StringMatching(`[A-Za-z :]{0,40}`).Filter(func(s string) bool {
		lower := strings.ToLower(s)
		return !strings.Contains(lower, "undelivered") &&
			!strings.Contains(lower, "delivery status notification")
	})
}

func TestDaemonSendersAlwaysBounceProperty(t *testing.T) {
	c := NewClassifier(DefaultBounceRules())

	rapid.Check(t, func(t *rapid.T) {
		daemon := rapid.SampledFrom([]string{
			"mailer-daemon", "MAILER-DAEMON", "postmaster", "PostMaster",
		}).Draw(t, "daemon")
		domain := rapid.StringMatching(`[a-z]{2,8}\.com`).Draw(t, "domain")

		msg := &mailbox.Message{
			From:    daemon + "@" + domain,
			Subject: genPlainSubject().Draw(t, "subject"),
			Text:    rapid.String().Draw(t, "text"),
		}

		require.Equal(t, KindBounce, c.Classify(msg).Kind)
	})
}

func TestOrdinarySendersAlwaysReplyProperty(t *testing.T) {
	c := NewClassifier(DefaultBounceRules())

	rapid.Check(t, func(t *rapid.T) {
		from := genAddress().Draw(t, "from")
		msg := &mailbox.Message{
			From:    from,
			Subject: genPlainSubject().Draw(t, "subject"),
			Text:    rapid.String().Draw(t, "text"),
		}

		got := c.Classify(msg)
		require.Equal(t, KindReply, got.Kind)
		require.Equal(t, []string{from}, got.Candidates)
	})
}

func TestBounceBodyAddressesAreCandidatesProperty(t *testing.T) {
	c := NewClassifier(DefaultBounceRules())

	rapid.Check(t, func(t *rapid.T) {
		first := genAddress().Draw(t, "first")
		second := genAddress().Filter(func(s string) bool {
			return s != first
		}).Draw(t, "second")

		msg := &mailbox.Message{
			From:    "mailer-daemon@mx.example.com",
			Subject: "Delivery Status Notification (Failure)",
			Text: "Delivery to " + first + " failed.\n" +
				"Final-Recipient: rfc822; <" + strings.ToUpper(second) + ">\n" +
				"Retrying " + first + " will not help.",
		}

		got := c.Classify(msg)
		require.Equal(t, KindBounce, got.Kind)
		require.Equal(t, []string{first, second}, got.Candidates)
	})
}
