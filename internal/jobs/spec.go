package jobs

import (
	"fmt"
	"strings"

	"stemdeck/internal/services"
)

// Kind identifies which worker lane executes a job.
type Kind string

const (
	KindDownload   Kind = "download"
	KindExtraction Kind = "extraction"
)

// ParseKind normalizes a user-supplied kind name.
func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(KindDownload):
		return KindDownload, nil
	case string(KindExtraction):
		return KindExtraction, nil
	default:
		return "", services.Wrap(services.ErrValidation, "jobs", "parse kind", fmt.Sprintf("unknown job kind %q", value), nil)
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindDownload || k == KindExtraction
}

// Key identifies a unit of work. Two specs with equal keys describe the same
// work regardless of who asked for it.
type Key struct {
	ContentID  string `json:"content_id"`
	VariantKey string `json:"variant_key"`
	Kind       Kind   `json:"kind"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.ContentID, k.VariantKey)
}

// Spec is an immutable job request.
//
// SourceURL is only used by downloads when the configured fetcher needs an
// explicit location; InputPath lets an extraction name its input artifact
// directly instead of resolving the latest completed download.
type Spec struct {
	ContentID  string `json:"content_id"`
	VariantKey string `json:"variant_key"`
	Kind       Kind   `json:"kind"`
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id,omitempty"`
	SourceURL  string `json:"source_url,omitempty"`
	InputPath  string `json:"input_path,omitempty"`
}

// Key returns the deduplication key of the spec.
func (s Spec) Key() Key {
	return Key{ContentID: s.ContentID, VariantKey: s.VariantKey, Kind: s.Kind}
}

// Normalize trims identifiers so equal requests produce equal keys.
func (s Spec) Normalize() Spec {
	s.ContentID = strings.TrimSpace(s.ContentID)
	s.VariantKey = strings.TrimSpace(s.VariantKey)
	s.UserID = strings.TrimSpace(s.UserID)
	s.SessionID = strings.TrimSpace(s.SessionID)
	s.SourceURL = strings.TrimSpace(s.SourceURL)
	s.InputPath = strings.TrimSpace(s.InputPath)
	s.Kind = Kind(strings.ToLower(strings.TrimSpace(string(s.Kind))))
	return s
}

// Validate rejects specs that cannot identify a unit of work.
func (s Spec) Validate() error {
	var missing []string
	if s.ContentID == "" {
		missing = append(missing, "content id")
	}
	if s.VariantKey == "" {
		missing = append(missing, "variant key")
	}
	if s.UserID == "" {
		missing = append(missing, "user id")
	}
	if len(missing) > 0 {
		return services.Wrap(services.ErrValidation, "jobs", "validate spec", "missing "+strings.Join(missing, ", "), nil)
	}
	if !s.Kind.Valid() {
		return services.Wrap(services.ErrValidation, "jobs", "validate spec", fmt.Sprintf("unknown job kind %q", s.Kind), nil)
	}
	if strings.ContainsAny(s.ContentID+s.VariantKey, "/\\") || strings.Contains(s.ContentID+s.VariantKey, "..") {
		return services.Wrap(services.ErrValidation, "jobs", "validate spec", "content id and variant key must not contain path separators", nil)
	}
	return nil
}
