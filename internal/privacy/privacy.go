// Package privacy scrubs credentials and service locations from text before it leaves the
// process in logs, notifications or telemetry.
package privacy

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// any scheme: https endpoints as well as notification URLs such as discord://token@id
	urlPattern = regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.-]*://\S+`)

	// Custom Vision keys travel in headers, but clients like to echo them back in errors
	keyPattern = regexp.MustCompile(`(?i)\b((?:training|prediction|ocp-apim-subscription)[-_]?key)\s*[:=]\s*"?[^\s",;]+`)

	ipv4Pattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
)

// ScrubMessage anonymizes URLs and masks key values found in message.
func ScrubMessage(message string) string {
	message = keyPattern.ReplaceAllString(message, "$1=[REDACTED]")
	return urlPattern.ReplaceAllStringFunc(message, AnonymizeURL)
}

// AnonymizeURL replaces a URL with a stable hash of its scheme, host category and path
// shape. The same endpoint always maps to the same value, which keeps log lines groupable.
func AnonymizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		hash := sha256.Sum256([]byte(rawURL))
		return fmt.Sprintf("url-hash-%x", hash[:8])
	}

	var parts []string
	if u.Scheme != "" {
		parts = append(parts, strings.ToLower(u.Scheme))
	}
	if host := u.Hostname(); host != "" {
		parts = append(parts, categorizeHost(host))
	}
	if u.Port() != "" {
		parts = append(parts, "port-"+u.Port())
	}
	if u.Path != "" && u.Path != "/" {
		parts = append(parts, anonymizePath(u.Path))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return fmt.Sprintf("url-%x", hash[:12])
}

// categorizeHost keeps only the kind of host, or the TLD for domain names.
func categorizeHost(host string) string {
	switch {
	case host == "localhost" || host == "127.0.0.1" || host == "::1":
		return "localhost"
	case isPrivateIP(host):
		return "private-ip"
	case ipv4Pattern.MatchString(host) || strings.Contains(host, ":"):
		return "public-ip"
	}
	if i := strings.LastIndexByte(host, '.'); i >= 0 && i < len(host)-1 {
		return "domain-" + strings.ToLower(host[i+1:])
	}
	return "host"
}

// anonymizePath hashes each path segment. Numeric segments such as API versions stay
// recognizable.
func anonymizePath(path string) string {
	var segments []string
	for seg := range strings.SplitSeq(strings.Trim(path, "/"), "/") {
		switch {
		case seg == "":
			continue
		case isNumeric(seg):
			segments = append(segments, "numeric")
		default:
			hash := sha256.Sum256([]byte(seg))
			segments = append(segments, fmt.Sprintf("seg-%x", hash[:4]))
		}
	}
	if len(segments) == 0 {
		return "root"
	}
	return strings.Join(segments, "/")
}

func isPrivateIP(host string) bool {
	host = strings.ToLower(host)
	for _, prefix := range []string{
		"10.", "192.168.", "169.254.",
		"fc00:", "fd00:", "fe80:",
	} {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}
	// 172.16.0.0/12
	var second int
	if _, err := fmt.Sscanf(host, "172.%d.", &second); err == nil {
		return second >= 16 && second <= 31
	}
	return false
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
