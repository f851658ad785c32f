// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt renders markdown into Matrix message content.
package matrixfmt

import (
	"bytes"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix/event"
)

var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once
)

// The extension set mirrors what webhook senders expect from "markdown
// extra": tables, footnotes, definition lists, attribute lists and raw HTML
// passthrough.
func getMarkdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(
				extension.Table,
				extension.Footnote,
				extension.DefinitionList,
				extension.Strikethrough,
			),
			goldmark.WithParserOptions(
				parser.WithAttribute(),
			),
			goldmark.WithRendererOptions(
				html.WithUnsafe(),
			),
		)
	})
	return markdownInstance
}

// Render converts markdown to HTML. The trailing newline goldmark emits is
// trimmed so a single heading renders as exactly "<h1>...</h1>".
func Render(text string) string {
	if text == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := getMarkdown().Convert([]byte(text), &buf); err != nil {
		return "<p>" + escape(text) + "</p>"
	}
	return strings.TrimSpace(buf.String())
}

// TextContent builds an m.text event with an HTML formatted body.
func TextContent(body, formattedBody string) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: formattedBody,
	}
}

// MarkdownContent builds an m.text event whose formatted body is body
// rendered as markdown.
func MarkdownContent(body string) *event.MessageEventContent {
	return TextContent(body, Render(body))
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func escape(s string) string {
	return htmlEscaper.Replace(s)
}
