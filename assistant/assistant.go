// Package assistant manages assistant records: named bindings of a graph
// reference to a base configuration. Runs are created against an assistant;
// the orchestrator resolves it to the graph to execute and the configuration
// to execute it with. Assistants may carry JSON Schemas constraining per-run
// configuration overrides and run input.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Assistant binds a graph reference to a reusable configuration.
	Assistant struct {
		// ID uniquely identifies the assistant.
		ID string `json:"assistant_id"`
		// Name is the human-readable label.
		Name string `json:"name"`
		// Owner is the tenant the assistant belongs to.
		Owner string `json:"owner"`
		// GraphRef names the graph this assistant executes.
		GraphRef string `json:"graph_ref"`
		// Config is the base configuration applied to every run. Per-run
		// overrides are merged on top, key by key.
		Config map[string]any `json:"config,omitempty"`
		// ConfigSchema, when set, is a JSON Schema that per-run
		// configuration overrides must satisfy.
		ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
		// InputSchema, when set, is a JSON Schema that run input must
		// satisfy.
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
		// Metadata holds caller-defined annotations.
		Metadata map[string]any `json:"metadata,omitempty"`
		// CreatedAt is when the assistant was registered.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt is when the assistant last changed.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// SearchFilter narrows Search results. Zero fields match everything
	// within the owner.
	SearchFilter struct {
		// Owner scopes the search to a tenant. Required.
		Owner string
		// GraphRef, when non-empty, matches assistants bound to that graph.
		GraphRef string
		// Limit bounds the number of results. Zero means no limit.
		Limit int
		// Offset skips that many results, for paging.
		Offset int
	}

	// Store persists assistants.
	Store interface {
		// Create persists a new assistant. Fails with ErrExists when the ID
		// is taken.
		Create(ctx context.Context, a *Assistant) error
		// Get returns the assistant by ID or ErrNotFound.
		Get(ctx context.Context, id string) (*Assistant, error)
		// Update replaces the stored assistant or fails with ErrNotFound.
		Update(ctx context.Context, a *Assistant) error
		// Delete removes the assistant or fails with ErrNotFound.
		Delete(ctx context.Context, id string) error
		// Search returns assistants matching the filter, newest first.
		Search(ctx context.Context, f SearchFilter) ([]*Assistant, error)
	}
)

var (
	// ErrNotFound indicates the assistant does not exist.
	ErrNotFound = errors.New("assistant not found")
	// ErrExists indicates the assistant ID is already taken.
	ErrExists = errors.New("assistant already exists")
)

// MergedConfig returns the assistant's base configuration with overrides
// applied on top, key by key. Neither input map is mutated.
func (a *Assistant) MergedConfig(overrides map[string]any) map[string]any {
	if len(a.Config) == 0 && len(overrides) == 0 {
		return nil
	}
	merged := make(map[string]any, len(a.Config)+len(overrides))
	for k, v := range a.Config {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// ValidateConfig checks per-run configuration overrides against the
// assistant's config schema. A nil schema accepts anything.
func (a *Assistant) ValidateConfig(overrides map[string]any) error {
	if len(a.ConfigSchema) == 0 || overrides == nil {
		return nil
	}
	// Schema validation operates on the JSON data model, so round-trip the
	// map through encoding to normalize numeric types.
	doc, err := normalize(overrides)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return validate(a.ConfigSchema, doc)
}

// ValidateInput checks run input against the assistant's input schema. A nil
// schema accepts anything.
func (a *Assistant) ValidateInput(input json.RawMessage) error {
	if len(a.InputSchema) == 0 || len(input) == 0 {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return validate(a.InputSchema, doc)
}

func validate(schemaBytes json.RawMessage, doc any) error {
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return fmt.Errorf("decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return schema.Validate(doc)
}

func normalize(m map[string]any) (any, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}
