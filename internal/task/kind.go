package task

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the type of a tracked job. The set is closed: every kind has
// exactly one Metadata variant.
type Kind string

// Known job kinds
const (
	// KindSpecGeneration is an AI specification generation for an analysis
	KindSpecGeneration Kind = "spec-generation"

	// KindRepoAnalysis is a re-analysis of a repository
	KindRepoAnalysis Kind = "repo-analysis"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindSpecGeneration || k == KindRepoAnalysis
}

// Target is the logical thing a job operates on. Downstream caches are keyed by it.
type Target struct {
	Owner      string `json:"owner,omitempty"`
	Repo       string `json:"repo,omitempty"`
	AnalysisID string `json:"analysis_id,omitempty"`
}

// Metadata is the kind-specific payload attached to a task.
type Metadata interface {
	// Kind returns the job kind this metadata belongs to.
	Kind() Kind

	// Key returns the stable suffix used to derive the task ID.
	Key() string

	// Target returns the logical target for cache invalidation.
	Target() Target
}

// SpecGeneration is the metadata of a spec-generation job.
type SpecGeneration struct {
	AnalysisID string `json:"analysis_id" validate:"required"`
	Language   string `json:"language,omitempty" validate:"omitempty,bcp47_language_tag"`
}

func (SpecGeneration) Kind() Kind { return KindSpecGeneration }

func (m SpecGeneration) Key() string { return m.AnalysisID }

func (m SpecGeneration) Target() Target { return Target{AnalysisID: m.AnalysisID} }

// Discriminator scopes status checks by language; the same analysis ID is reused
// across languages server-side.
func (m SpecGeneration) Discriminator() string { return m.Language }

// RepoAnalysis is the metadata of a repository re-analysis job.
type RepoAnalysis struct {
	Owner      string `json:"owner" validate:"required"`
	Repo       string `json:"repo" validate:"required"`
	AnalysisID string `json:"analysis_id,omitempty"`
}

func (RepoAnalysis) Kind() Kind { return KindRepoAnalysis }

func (m RepoAnalysis) Key() string { return m.Owner + "/" + m.Repo }

func (m RepoAnalysis) Target() Target {
	return Target{Owner: m.Owner, Repo: m.Repo, AnalysisID: m.AnalysisID}
}

// ID derives the task ID for the given metadata, e.g. "spec-generation-{analysisId}".
func ID(meta Metadata) string {
	return string(meta.Kind()) + "-" + meta.Key()
}

// DecodeMetadata decodes raw JSON into the metadata variant for kind.
func DecodeMetadata(kind Kind, raw json.RawMessage) (Metadata, error) {
	switch kind {
	case KindSpecGeneration:
		var m SpecGeneration
		if err := decodeInto(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	case KindRepoAnalysis:
		var m RepoAnalysis
		if err := decodeInto(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, kind)
	}
}

func decodeInto(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode metadata: %v", ErrInvalidTask, err)
	}
	return nil
}
