package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateUpstreamEndpoint validates a URL that the proxy will fetch
// server-side (introspection endpoints, JWKS documents). It blocks loopback,
// private, and link-local targets so a maliciously configured endpoint in a
// multi-tenant deployment cannot be used to probe internal services.
//
// allowPrivate disables the address checks for deployments that genuinely
// talk to an IdP on a private network; HTTPS is still not enforced for
// loopback so local test servers keep working when allowed.
func ValidateUpstreamEndpoint(endpoint string, allowPrivate bool) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("endpoint must use http or https, got %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("endpoint must have a hostname")
	}

	if allowPrivate {
		return nil
	}

	if u.Scheme != "https" {
		return fmt.Errorf("endpoint must use HTTPS")
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("endpoint must not point to loopback addresses")
	}

	if ip := net.ParseIP(host); ip != nil {
		switch {
		case ip.IsLoopback():
			return fmt.Errorf("endpoint must not point to loopback addresses")
		case ip.IsPrivate():
			return fmt.Errorf("endpoint must not point to private IP ranges")
		case ip.IsLinkLocalUnicast():
			return fmt.Errorf("endpoint must not point to link-local addresses")
		case ip.IsUnspecified():
			return fmt.Errorf("endpoint must not point to the unspecified address")
		}
	}

	return nil
}
