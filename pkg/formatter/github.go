// Copyright 2024-2026 Aiku AI

package formatter

import (
	"net/http"
	"strings"
)

const (
	githubEventHeader     = "X-GitHub-Event"
	githubSignatureHeader = "X-Hub-Signature-256"
)

// github renders push events as a commit list and everything else as a
// generic notification. The payload signature becomes the digest checked
// against the API key.
func github(data Data, headers http.Header) (Data, error) {
	out := data.Clone()
	if sig := headers.Get(githubSignatureHeader); sig != "" {
		out[FieldDigest] = strings.TrimPrefix(sig, "sha256=")
	}
	if headers.Get(githubEventHeader) != "push" {
		out[FieldBody] = notification("github")
		return out, nil
	}

	pusher, err := object(data, "pusher")
	if err != nil {
		return nil, err
	}
	fields, err := requireStrings(data, "ref", "before", "after", "compare")
	if err != nil {
		return nil, err
	}
	ref, before, after, compare := fields[0], fields[1], fields[2], fields[3]
	name := Stringify(pusher["name"])

	var sb strings.Builder
	sb.WriteString("@[" + name + "](https://github.com/" + name + ") pushed on " + ref + ": ")
	sb.WriteString("[" + before + " → " + after + "](" + compare + "):\n\n")
	commits, err := list(data, "commits")
	if err != nil {
		return nil, err
	}
	for i, item := range commits {
		commit, ok := item.(map[string]any)
		if !ok {
			return nil, invalid("commits[%d] is %T, not an object", i, item)
		}
		sb.WriteString("- [" + firstLine(Stringify(commit["message"])) + "](" + Stringify(commit["url"]) + ")\n")
	}
	out[FieldBody] = sb.String()
	return out, nil
}
