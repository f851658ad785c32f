// Copyright 2024-2026 Aiku AI

package formatter

import (
	"net/http"
	"strings"
)

// grafana renders legacy alert notifications with their evaluated metrics,
// and unified alerting (Grafana 9+) notifications as title and message.
func grafana(data Data, headers http.Header) (Data, error) {
	if data.Has("alerts") {
		return grafanaForward(data, headers)
	}
	var sb strings.Builder
	writeTitleMessage(&sb, data)
	matches, err := list(data, "evalMatches")
	if err != nil {
		return nil, err
	}
	for i, item := range matches {
		match, ok := item.(map[string]any)
		if !ok {
			return nil, invalid("evalMatches[%d] is %T, not an object", i, item)
		}
		sb.WriteString("* " + Stringify(match["metric"]) + ": " + Stringify(match["value"]) + "\n")
	}
	return withBody(data, headers, sb.String(), "grafana"), nil
}

// grafanaForward renders only the title and message Grafana prepares.
func grafanaForward(data Data, headers http.Header) (Data, error) {
	var sb strings.Builder
	writeTitleMessage(&sb, data)
	return withBody(data, headers, sb.String(), "grafana"), nil
}

func writeTitleMessage(sb *strings.Builder, data Data) {
	if data.Has("title") {
		sb.WriteString("#### " + data.Text("title") + "\n")
	}
	if data.Has("message") {
		sb.WriteString(data.Text("message") + "\n\n")
	}
}

// withBody sets the body on a copy of data. Grafana contact points can only
// authenticate with an Authorization header, so a bearer token stands in
// for a missing key.
func withBody(data Data, headers http.Header, body, provider string) Data {
	out := data.Clone()
	if body == "" {
		body = notification(provider)
	}
	out[FieldBody] = body
	if !out.Truthy(FieldKey) {
		if token, ok := strings.CutPrefix(headers.Get("Authorization"), "Bearer "); ok && token != "" {
			out[FieldKey] = token
		}
	}
	return out
}
