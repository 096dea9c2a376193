package store

import (
	"regexp"
	"strings"
)

const maxSlugLength = 64

var (
	slugPattern   = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	slugSeparator = regexp.MustCompile(`[^a-z0-9]+`)
)

// NormalizeSlug lower-cases value and collapses every run of characters
// outside [a-z0-9] into a single hyphen, so "Batch 1" and "batch-1" name the
// same batch.
func NormalizeSlug(value string) string {
	slug := strings.ToLower(strings.TrimSpace(value))
	slug = slugSeparator.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

// ValidSlug reports whether slug is already in normalized form.
func ValidSlug(slug string) bool {
	return len(slug) <= maxSlugLength && slugPattern.MatchString(slug)
}
