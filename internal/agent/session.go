// Package agent resolves natural-language questions into executed SQL,
// consulting the two-tier cache before generating anything.
package agent

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/duckmesh/sqlagent/internal/schema"
	"github.com/duckmesh/sqlagent/internal/validator"
)

var (
	ErrMissingQuestion    = errors.New("question is required")
	ErrMissingDataset     = errors.New("dataset_id is required")
	ErrUnknownDataset     = errors.New("dataset is not served by this agent")
	ErrMissingSQL         = errors.New("sql is required")
	ErrRefreshUnsupported = errors.New("schema provider cannot be refreshed")
)

type Request struct {
	Question  string `json:"question"`
	DatasetID string `json:"dataset_id,omitempty"`
}

// Session is the state of one request as it moves through the pipeline.
// It is owned by a single goroutine and discarded when the request ends.
type Session struct {
	RequestID string
	DatasetID string
	Question  string

	Schema    schema.Descriptor
	DDL       string
	Candidate string
	Result    validator.Result
}

// NewSession validates req against the dataset the agent serves. An empty
// DatasetID in the request selects that dataset. The question is kept
// verbatim; surrounding whitespace only matters for emptiness.
func NewSession(servedDataset string, req Request) (*Session, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, ErrMissingQuestion
	}
	dataset := strings.TrimSpace(req.DatasetID)
	if dataset == "" {
		dataset = servedDataset
	}
	if dataset == "" {
		return nil, ErrMissingDataset
	}
	if servedDataset != "" && dataset != servedDataset {
		return nil, ErrUnknownDataset
	}
	return &Session{
		RequestID: uuid.NewString(),
		DatasetID: dataset,
		Question:  req.Question,
	}, nil
}
