package httputil

import (
	"fmt"
	"net/url"
	"strings"
)

// BaseURLOptions configures NormalizeBaseURL.
type BaseURLOptions struct {
	// RequireHTTPS rejects plain-http base URLs. Set for any endpoint that
	// will carry secrets (policy engine, webhook targets) in production.
	RequireHTTPS bool
}

// NormalizeBaseURL normalizes and validates a base URL used for outbound calls
// to the policy engine, webhook sinks, or the TSA endpoint.
//
// It trims whitespace, removes trailing slashes, validates scheme/host, and
// disallows embedded user info and query/fragment components.
func NormalizeBaseURL(raw string, opts BaseURLOptions) (string, *url.URL, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(raw), "/")
	if baseURL == "" {
		return "", nil, fmt.Errorf("base URL is required")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", nil, fmt.Errorf("base URL must be a valid URL")
	}
	if parsed.User != nil {
		return "", nil, fmt.Errorf("base URL must not include user info")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", nil, fmt.Errorf("base URL scheme must be http or https")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", nil, fmt.Errorf("base URL must not include query or fragment")
	}
	if opts.RequireHTTPS && parsed.Scheme != "https" {
		return "", nil, fmt.Errorf("base URL must use https")
	}

	return baseURL, parsed, nil
}

// NormalizeServiceBaseURL is the standard normalization used by outbound
// service clients (policy engine, TSA, webhook sinks).
func NormalizeServiceBaseURL(raw string) (string, *url.URL, error) {
	return NormalizeBaseURL(raw, BaseURLOptions{})
}
