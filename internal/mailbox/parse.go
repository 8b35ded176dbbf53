package mailbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/crossref"
)

// ErrEmptyMessage is returned when a fetch yields no message source.
var ErrEmptyMessage = errors.New("empty message body")

// ParseMessage parses a raw RFC 5322 message into the fields the sync
// engine classifies on.
func ParseMessage(raw []byte) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	defer mr.Close()

	msg := &Message{}
	parseHeader(mr.Header, msg)

	var textParts, statusParts []string
	var htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			if len(textParts) == 0 && htmlBody == "" {
				return nil, fmt.Errorf("reading message body: %w", err)
			}
			break
		}
		if part == nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			textParts = append(textParts, string(body))
		case strings.HasPrefix(contentType, "text/html"):
			htmlBody = string(body)
		case strings.HasPrefix(contentType, "message/delivery-status"):
			statusParts = append(statusParts, string(body))
		}
	}

	text := strings.Join(textParts, "\n")
	if strings.TrimSpace(text) == "" && htmlBody != "" {
		text = stripHTML(htmlBody)
	}
	if len(statusParts) > 0 {
		text = strings.Join(append([]string{text}, statusParts...), "\n")
	}
	msg.Text = text

	return msg, nil
}

// parseHeader fills the envelope fields of msg. Malformed headers degrade
// to their raw values rather than failing the message.
func parseHeader(h mail.Header, msg *Message) {
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		msg.From = strings.ToLower(addrs[0].Address)
		msg.FromName = addrs[0].Name
	} else if found := crossref.ExtractAddresses(h.Get("From")); len(found) > 0 {
		msg.From = found[0]
	}

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}

	if id, err := h.MessageID(); err == nil {
		msg.MessageID = id
	}

	if date, err := h.Date(); err == nil {
		msg.Date = date
	}
}

// htmlTagPattern matches HTML tags for stripping.
var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML removes HTML tags from a string and decodes common
// entities, providing a basic plain-text rendering.
func stripHTML(html string) string {
	if html == "" {
		return ""
	}

	result := html
	for _, tag := range []string{
		"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>", "</tr>",
	} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
		"&#64;", "@",
	)
	result = replacer.Replace(result)

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(result)
}
