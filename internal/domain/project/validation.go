package project

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/Strob0t/PRDForge/internal/domain"
)

// ValidateInit validates the fields of a project initialization request.
func ValidateInit(in Init) error {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return fmt.Errorf("title is required: %w", domain.ErrValidation)
	}
	if len(title) > 255 {
		return fmt.Errorf("title exceeds 255 characters: %w", domain.ErrValidation)
	}
	for _, r := range title {
		if unicode.IsControl(r) {
			return fmt.Errorf("title contains control characters: %w", domain.ErrValidation)
		}
	}
	if len(in.Description) > 5000 {
		return fmt.Errorf("description exceeds 5000 characters: %w", domain.ErrValidation)
	}
	if len(in.Objectives) == 0 {
		return fmt.Errorf("at least one objective is required: %w", domain.ErrValidation)
	}
	seen := make(map[string]bool, len(in.Objectives))
	for i, o := range in.Objectives {
		o = strings.TrimSpace(o)
		if o == "" {
			return fmt.Errorf("objective %d is empty: %w", i, domain.ErrValidation)
		}
		if seen[o] {
			return fmt.Errorf("duplicate objective %q: %w", o, domain.ErrValidation)
		}
		seen[o] = true
	}
	return nil
}
