// Copyright 2024-2026 Aiku AI

package formatter

import (
	"net/http"
	"strings"

	"github.com/nim65s/matrix-webhook/pkg/connector/mattermostfmt"
)

// gitlabGChat handles GitLab's Google Chat integration, whose text uses
// Slack-style <url|label> links.
func gitlabGChat(data Data, _ http.Header) (Data, error) {
	out := data.Clone()
	body := data.Text(FieldBody)
	if body == "" {
		body = data.Text(FieldText)
	}
	if body == "" {
		out[FieldBody] = notification("gitlab")
		return out, nil
	}
	out[FieldBody] = mattermostfmt.PlainLinks(body)
	return out, nil
}

// gitlabTeams handles GitLab's Microsoft Teams integration. The activity
// section becomes a headline and text sections become bullet lists.
func gitlabTeams(data Data, _ http.Header) (Data, error) {
	sections, err := list(data, "sections")
	if err != nil {
		return nil, err
	}
	var parts []string
	for i, item := range sections {
		section, ok := item.(map[string]any)
		if !ok {
			return nil, invalid("sections[%d] is %T, not an object", i, item)
		}
		if text, ok := section["text"]; ok {
			var bullets []string
			for _, line := range strings.Split(Stringify(text), "\n") {
				if strings.TrimSpace(line) != "" {
					bullets = append(bullets, "* "+line)
				}
			}
			if len(bullets) > 0 {
				parts = append(parts, strings.Join(bullets, "  \n"))
			}
			continue
		}
		_, hasTitle := section["activityTitle"]
		_, hasSubtitle := section["activitySubtitle"]
		_, hasText := section["activityText"]
		if hasTitle && hasSubtitle && hasText {
			parts = append(parts, Stringify(section["activityTitle"])+" "+
				Stringify(section["activitySubtitle"])+" → "+
				Stringify(section["activityText"]))
		}
	}
	out := data.Clone()
	if len(parts) == 0 {
		out[FieldBody] = notification("gitlab")
		return out, nil
	}
	out[FieldBody] = strings.Join(parts, "  \n\n")
	return out, nil
}
