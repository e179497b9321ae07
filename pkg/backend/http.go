package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quorumworks/council/pkg/contracts"
)

// ballotSchema validates provider responses before they enter quorum
// arithmetic. A provider returning a malformed ballot counts as an
// errored call, not a vote.
const ballotSchema = `{
	"type": "object",
	"required": ["choice"],
	"properties": {
		"choice": {"enum": ["approve", "reject", "escalate", "abstain"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"rationale": {"type": "string", "maxLength": 8192}
	},
	"if": {"properties": {"choice": {"const": "reject"}}},
	"then": {"required": ["choice", "rationale"]}
}`

// HTTPBackend casts votes by POSTing the subject to a provider's vote
// endpoint and decoding a Ballot from the response.
type HTTPBackend struct {
	provider string
	endpoint string
	apiKey   string
	client   *http.Client
	schema   *jsonschema.Schema
}

// NewHTTPBackend creates a backend for one provider endpoint. The
// client timeout is a transport-level backstop; per-agent voting
// timeouts come from the collector's context.
func NewHTTPBackend(provider, endpoint, apiKey string) (*HTTPBackend, error) {
	schema, err := jsonschema.CompileString("ballot.json", ballotSchema)
	if err != nil {
		return nil, fmt.Errorf("backend: compile ballot schema: %w", err)
	}
	return &HTTPBackend{
		provider: provider,
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 60 * time.Second},
		schema:   schema,
	}, nil
}

// Provider implements Backend.
func (h *HTTPBackend) Provider() string { return h.provider }

// CastVote implements Backend.
func (h *HTTPBackend) CastVote(ctx context.Context, subject contracts.Subject) (Ballot, error) {
	body, err := json.Marshal(subject)
	if err != nil {
		return Ballot{}, fmt.Errorf("backend %s: marshal subject: %w", h.provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Ballot{}, fmt.Errorf("backend %s: create request: %w", h.provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Ballot{}, fmt.Errorf("backend %s: %w", h.provider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Ballot{}, fmt.Errorf("backend %s: status %d", h.provider, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Ballot{}, fmt.Errorf("backend %s: read response: %w", h.provider, err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Ballot{}, fmt.Errorf("backend %s: decode response: %w", h.provider, err)
	}
	if err := h.schema.Validate(generic); err != nil {
		return Ballot{}, fmt.Errorf("backend %s: invalid ballot: %w", h.provider, err)
	}

	var ballot Ballot
	if err := json.Unmarshal(raw, &ballot); err != nil {
		return Ballot{}, fmt.Errorf("backend %s: decode ballot: %w", h.provider, err)
	}
	if err := ballot.Validate(); err != nil {
		return Ballot{}, fmt.Errorf("backend %s: %w", h.provider, err)
	}
	return ballot, nil
}
