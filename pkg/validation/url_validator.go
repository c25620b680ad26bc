package validation

import (
	"net/url"
	"strings"

	apperrors "github.com/anime-shed/image-ocr-go/internal/errors"
)

// Schemes accepted for a locally resolvable image reference
var ImageReferenceSchemes = []string{"file", "http", "https"}

// URLValidator handles URL validation logic
type URLValidator struct {
	allowedSchemes []string
	allowedHosts   []string
}

// NewURLValidator creates a URL validator that accepts http and https URLs
func NewURLValidator() *URLValidator {
	return &URLValidator{
		allowedSchemes: []string{"http", "https"},
		allowedHosts:   []string{}, // empty means all hosts allowed
	}
}

// NewReferenceValidator accepts image references, which may also be file URLs
func NewReferenceValidator() *URLValidator {
	return NewURLValidatorWithOptions(ImageReferenceSchemes, nil)
}

// NewURLValidatorWithOptions creates a URL validator with custom options
func NewURLValidatorWithOptions(schemes []string, hosts []string) *URLValidator {
	return &URLValidator{
		allowedSchemes: schemes,
		allowedHosts:   hosts,
	}
}

// Validate checks that rawURL is non-empty, well formed, uses an allowed
// scheme and, for network schemes, names an allowed host. file URLs must
// carry an absolute local path.
func (v *URLValidator) Validate(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return apperrors.NewValidationError("URL cannot be empty", nil)
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return apperrors.NewValidationError("Invalid URL format", err)
	}

	if !v.isSchemeAllowed(parsedURL.Scheme) {
		return apperrors.NewValidationError("URL scheme not allowed", nil)
	}

	if parsedURL.Scheme == "file" {
		if parsedURL.Host != "" && parsedURL.Host != "localhost" {
			return apperrors.NewValidationError("file URL must not name a remote host", nil)
		}
		if !strings.HasPrefix(parsedURL.Path, "/") || parsedURL.Path == "/" {
			return apperrors.NewValidationError("file URL must have an absolute path", nil)
		}
		return nil
	}

	if parsedURL.Host == "" {
		return apperrors.NewValidationError("URL must have a valid host", nil)
	}

	if len(v.allowedHosts) > 0 && !v.isHostAllowed(parsedURL.Host) {
		return apperrors.NewValidationError("URL host not allowed", nil)
	}

	return nil
}

// isSchemeAllowed checks if the URL scheme is in the allowed list
func (v *URLValidator) isSchemeAllowed(scheme string) bool {
	for _, allowed := range v.allowedSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

// isHostAllowed checks if the URL host is in the allowed list
// Returns true if no host restrictions are set (empty allowedHosts)
func (v *URLValidator) isHostAllowed(host string) bool {
	if len(v.allowedHosts) == 0 {
		return true
	}
	for _, allowed := range v.allowedHosts {
		if host == allowed {
			return true
		}
	}
	return false
}
