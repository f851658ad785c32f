// Copyright 2024-2026 Aiku AI

package formatter

import (
	"net/http"
)

// grn handles GitHub Release Notifier announcements.
func grn(data Data, _ http.Header) (Data, error) {
	fields, err := requireStrings(data, "package_name", "version", "title", "author")
	if err != nil {
		return nil, err
	}
	pkg, version, title, author := fields[0], fields[1], fields[2], fields[3]
	out := data.Clone()
	out[FieldBody] = "### " + pkg + " - " + version + "\n\n" + title + "\n\n" +
		"[" + author + " released new version **" + version + "** for **" + pkg + "**]" +
		"(https://github.com/" + pkg + ").\n\n"
	return out, nil
}
