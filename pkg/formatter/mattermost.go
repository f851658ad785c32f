// Copyright 2024-2026 Aiku AI

package formatter

import (
	"net/http"

	"github.com/nim65s/matrix-webhook/pkg/connector/mattermostfmt"
)

// decodeMattermost accepts the form-encoded payload=<json> bodies Slack
// compatible senders post.
func decodeMattermost(raw []byte, _ http.Header) (Data, error) {
	doc, err := mattermostfmt.Decode(raw)
	if err != nil {
		return nil, invalid("%v", err)
	}
	return Data(doc), nil
}

// mattermost handles Mattermost and Slack incoming webhook requests. A
// payload field holding the JSON document is unwrapped first; fields of
// the outer object, such as a key taken from the query, take precedence.
func mattermost(provider string) FormatFunc {
	return func(data Data, _ http.Header) (Data, error) {
		out := data.Clone()
		if inner, ok := data["payload"]; ok {
			s, isString := inner.(string)
			if !isString {
				return nil, invalid("payload is %T, not a string", inner)
			}
			doc, err := mattermostfmt.Decode([]byte(s))
			if err != nil {
				return nil, invalid("%v", err)
			}
			delete(out, "payload")
			for k, v := range doc {
				if !out.Has(k) {
					out[k] = v
				}
			}
		}
		// The legacy text to body copy happens before formatting; drop it so
		// the request decodes as the provider sent it.
		doc := map[string]any(out.Clone())
		delete(doc, FieldBody)
		payload, err := mattermostfmt.FromMap(doc)
		if err != nil {
			return nil, invalid("%v", err)
		}
		msg := mattermostfmt.Parse(payload)
		if msg.Body == "" && msg.FormattedBody == "" {
			out[FieldBody] = notification(provider)
			return out, nil
		}
		out[FieldBody] = msg.Body
		if msg.FormattedBody != "" {
			out[FieldFormattedBody] = msg.FormattedBody
		}
		return out, nil
	}
}
