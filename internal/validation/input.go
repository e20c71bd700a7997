package validation

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxTextRunes matches the truncation limit of the extraction service.
const MaxTextRunes = 30000

// internalPorts are service ports that never serve recipe pages.
var internalPorts = map[int]struct{}{
	22: {}, 23: {}, 25: {}, 53: {}, 135: {}, 139: {}, 445: {}, 993: {}, 995: {},
	1433: {}, 3306: {}, 3389: {}, 5432: {}, 6379: {},
}

var blockedHostnames = []string{"localhost", "localhost.localdomain"}

// ValidateText rejects empty or oversized recipe text.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return &FileError{Name: "text", Code: CodeEmpty, Reason: "recipe text is required"}
	}
	if n := utf8.RuneCountInString(text); n > MaxTextRunes {
		return &FileError{Name: "text", Code: CodeTooLong, Reason: fmt.Sprintf("recipe text is %d characters (max %d)", n, MaxTextRunes)}
	}
	return nil
}

// NormalizeURL trims the input, defaults the scheme to https and rejects
// addresses that point into private networks.
func NormalizeURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", urlError("recipe URL is required")
	}
	lower := strings.ToLower(value)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		if strings.Contains(value, "://") {
			return "", urlError("only http and https URLs are supported")
		}
		value = "https://" + value
	}

	parsed, err := url.Parse(value)
	if err != nil {
		return "", urlError("recipe URL is malformed")
	}

	host := parsed.Hostname()
	if host == "" {
		return "", urlError("recipe URL has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return "", urlError("recipe URL points to a private address")
		}
	} else {
		for _, blocked := range blockedHostnames {
			if strings.EqualFold(host, blocked) {
				return "", urlError("recipe URL points to a private address")
			}
		}
	}

	if rawPort := parsed.Port(); rawPort != "" {
		port, err := strconv.Atoi(rawPort)
		if err != nil {
			return "", urlError("recipe URL has an invalid port")
		}
		if _, blocked := internalPorts[port]; blocked {
			return "", urlError("recipe URL uses a blocked port")
		}
	}

	return parsed.String(), nil
}

func urlError(reason string) *FileError {
	return &FileError{Name: "url", Code: CodeURL, Reason: reason}
}
