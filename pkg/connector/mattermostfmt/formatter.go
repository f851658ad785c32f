// Copyright 2024-2026 Aiku AI

// Package mattermostfmt converts Mattermost and Slack incoming webhook
// payloads to Matrix HTML.
package mattermostfmt

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix/event"
)

// ParsedMessage holds the result of converting a webhook payload to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

// Payload is an incoming webhook request. Slack senders may add a top-level
// fallback used when there is neither text nor attachments.
type Payload struct {
	model.IncomingWebhookRequest
	Fallback string `json:"fallback"`
}

// ErrEmptyPayload is returned when a payload field is present but empty.
var ErrEmptyPayload = errors.New("empty payload")

// slackLinkRe matches Slack-style links: <https://example.org|label>.
var slackLinkRe = regexp.MustCompile(`<([^|<>]*)\|([^<>]*)>`)

// Decode reads a webhook document from a JSON body or from a form-encoded
// body carrying the document in its payload field.
func Decode(raw []byte) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		values, err := url.ParseQuery(trimmed)
		if err != nil {
			return nil, fmt.Errorf("failed to parse form body: %w", err)
		}
		if !values.Has("payload") {
			return nil, fmt.Errorf("form body has no payload field")
		}
		trimmed = values.Get("payload")
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse payload JSON: %w", err)
	}
	if doc == nil {
		return nil, ErrEmptyPayload
	}
	return doc, nil
}

// FromMap converts an already parsed JSON object to a Payload. A string
// payload field holds the real document and replaces the object.
func FromMap(doc map[string]any) (*Payload, error) {
	var raw []byte
	if inner, ok := doc["payload"]; ok {
		s, isString := inner.(string)
		if !isString {
			return nil, fmt.Errorf("payload field is %T, not a string", inner)
		}
		if strings.TrimSpace(s) == "" {
			return nil, ErrEmptyPayload
		}
		raw = []byte(s)
	} else {
		var err error
		if raw, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("failed to re-encode payload: %w", err)
		}
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode webhook request: %w", err)
	}
	return &p, nil
}

// Parse converts a payload to Matrix event content. When the text has no
// Slack links and there are no attachments, FormattedBody is left empty so
// the caller can render the text as markdown.
func Parse(p *Payload) *ParsedMessage {
	if p == nil {
		return &ParsedMessage{}
	}
	var htmlParts, plainParts []string
	if p.Text != "" {
		htmlParts = append(htmlParts, ConvertLinks(p.Text))
		plainParts = append(plainParts, PlainLinks(p.Text))
	}
	for _, att := range p.Attachments {
		if att == nil {
			continue
		}
		if formatted := FormatAttachment(att); formatted != "" {
			htmlParts = append(htmlParts, formatted)
		}
		if plain := plainAttachment(att); plain != "" {
			plainParts = append(plainParts, plain)
		}
	}
	if len(htmlParts) == 0 && p.Fallback != "" {
		htmlParts = append(htmlParts, ConvertLinks(p.Fallback))
		plainParts = append(plainParts, PlainLinks(p.Fallback))
	}

	body := strings.Join(plainParts, "\n")
	if len(p.Attachments) == 0 && !slackLinkRe.MatchString(p.Text) && p.Text != "" {
		return &ParsedMessage{Body: body}
	}
	if len(htmlParts) == 0 {
		return &ParsedMessage{}
	}
	return &ParsedMessage{
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: strings.Join(htmlParts, "\n"),
	}
}

// ConvertLinks escapes text for HTML and turns Slack links into anchors.
// Links with a scheme other than http, https or mailto keep only their label.
func ConvertLinks(text string) string {
	var out strings.Builder
	last := 0
	for _, m := range slackLinkRe.FindAllStringSubmatchIndex(text, -1) {
		out.WriteString(escapeText(text[last:m[0]]))
		out.WriteString(anchor(text[m[2]:m[3]], text[m[4]:m[5]]))
		last = m[1]
	}
	out.WriteString(escapeText(text[last:]))
	return out.String()
}

// PlainLinks rewrites Slack links as markdown links for the plain-text body.
func PlainLinks(text string) string {
	return slackLinkRe.ReplaceAllString(text, "[$2]($1)")
}

// FormatAttachment renders one attachment: pretext, author line, title,
// text and a table of fields.
func FormatAttachment(att *model.SlackAttachment) string {
	var lines []string
	if att.Pretext != "" {
		lines = append(lines, ConvertLinks(att.Pretext))
	}
	var author []string
	if att.AuthorIcon != "" && isSafeURL(att.AuthorIcon) {
		author = append(author, `<img src="`+html.EscapeString(att.AuthorIcon)+`" alt="author" width="20">`)
	}
	if att.AuthorName != "" {
		author = append(author, anchor(att.AuthorLink, att.AuthorName))
	}
	if len(author) > 0 {
		lines = append(lines, strings.Join(author, " "))
	}
	if att.Title != "" {
		lines = append(lines, anchor(att.TitleLink, att.Title))
	}
	if att.Text != "" {
		lines = append(lines, ConvertLinks(att.Text))
	}
	if rows := formatFields(att.Fields); len(rows) > 0 {
		lines = append(lines, rows...)
	}
	if len(lines) == 0 && att.Fallback != "" {
		lines = append(lines, ConvertLinks(att.Fallback))
	}
	return strings.Join(lines, "\n")
}

func formatFields(fields []*model.SlackAttachmentField) []string {
	var rows []string
	for _, f := range fields {
		if f == nil {
			continue
		}
		rows = append(rows, "<tr><td><b>"+html.EscapeString(f.Title)+"</b></td><td>"+ConvertLinks(fieldValue(f.Value))+"</td></tr>")
	}
	if len(rows) == 0 {
		return nil
	}
	return append(append([]string{"<table>"}, rows...), "</table>")
}

func plainAttachment(att *model.SlackAttachment) string {
	if att.Fallback != "" {
		return PlainLinks(att.Fallback)
	}
	var parts []string
	if att.Title != "" {
		if att.TitleLink != "" {
			parts = append(parts, "["+att.Title+"]("+att.TitleLink+")")
		} else {
			parts = append(parts, att.Title)
		}
	}
	if att.Text != "" {
		parts = append(parts, PlainLinks(att.Text))
	}
	for _, f := range att.Fields {
		if f != nil {
			parts = append(parts, f.Title+": "+PlainLinks(fieldValue(f.Value)))
		}
	}
	return strings.Join(parts, "\n")
}

func fieldValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	default:
		return fmt.Sprint(value)
	}
}

func anchor(href, label string) string {
	if href == "" || !isSafeURL(href) {
		return escapeText(label)
	}
	if label == "" {
		label = href
	}
	return `<a href="` + html.EscapeString(href) + `">` + escapeText(label) + `</a>`
}

func isSafeURL(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:")
}

func escapeText(s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br/>")
}
