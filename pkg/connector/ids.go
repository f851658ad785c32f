// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"net/url"
	"strings"

	"maunium.net/go/mautrix/id"
)

// MakeUserID turns a configured user into a full Matrix ID. A bare
// localpart is qualified with the homeserver's host name.
func MakeUserID(user, homeserverURL string) (id.UserID, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return "", fmt.Errorf("empty matrix user ID")
	}
	if strings.HasPrefix(user, "@") {
		if _, _, err := id.UserID(user).Parse(); err != nil {
			return "", fmt.Errorf("invalid matrix user ID %q: %w", user, err)
		}
		return id.UserID(user), nil
	}
	if strings.Contains(user, ":") {
		return id.UserID("@" + user), nil
	}
	parsed, err := url.Parse(homeserverURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("cannot derive server name from %q", homeserverURL)
	}
	return id.NewUserID(user, parsed.Hostname()), nil
}
