package channel

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported origin scheme")
	ErrInvalidTargetPath = errors.New("target path must be relative")
)

// DeriveURL builds the websocket endpoint for path on the host of origin.
// A secure origin (https, wss) yields wss, an insecure one (http, ws) yields ws.
// The path of origin itself is ignored.
func DeriveURL(origin, path string) (string, error) {
	base, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}

	var scheme string
	switch strings.ToLower(base.Scheme) {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws":
		scheme = "ws"
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, base.Scheme)
	}
	if base.Host == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}

	ref, err := url.Parse(strings.TrimSpace(path))
	if err != nil {
		return "", fmt.Errorf("parse target path: %w", err)
	}
	if ref.Scheme != "" || ref.Host != "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTargetPath, path)
	}

	target := url.URL{
		Scheme:   scheme,
		Host:     base.Host,
		Path:     ref.Path,
		RawQuery: ref.RawQuery,
	}
	if !strings.HasPrefix(target.Path, "/") {
		target.Path = "/" + target.Path
	}

	return target.String(), nil
}
