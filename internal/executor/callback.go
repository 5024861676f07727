package executor

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// errors returned by ValidateCallbackURL. The caller logs and proceeds
// without a callback URL rather than aborting the tool call.
var (
	ErrCallbackScheme = errors.New("callback url must use https")
	ErrCallbackHost   = errors.New("callback host not on allowlist")
)

// localHosts may use plain http; everything else must be https.
var localHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// ValidateCallbackURL checks the callback URL against the SSRF allowlist.
// Allowlist entries match the host exactly, or as a domain suffix when
// prefixed with a dot (".example.com" matches "hooks.example.com" but not
// "evilexample.com"). An empty allowlist rejects everything except local
// hosts.
func ValidateCallbackURL(raw string, allowlist []string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("callback url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("callback url %q: missing host", raw)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !localHosts[host] {
			return ErrCallbackScheme
		}
	default:
		return ErrCallbackScheme
	}

	if localHosts[host] {
		return nil
	}
	for _, entry := range allowlist {
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, ".") {
			if strings.HasSuffix(host, entry) {
				return nil
			}
			continue
		}
		if host == entry {
			return nil
		}
	}
	return ErrCallbackHost
}
