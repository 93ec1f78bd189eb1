// Package gateway holds the collaborators the engine talks to: collection
// modules, the data store that receives their findings, and the module
// registry.
package gateway

import (
	"context"
	"encoding/json"

	"scanflow/internal/domain"
)

// DefaultConfidence is assigned to findings that do not report one.
const DefaultConfidence = 70

// Request is one execution unit as sent to a module.
type Request struct {
	CorrelationID string
	Module        domain.ModuleRef
	Target        domain.Target
	Parameters    json.RawMessage
}

// Output is what a module returned for one unit.
type Output struct {
	Entities      []domain.Entity
	Relationships []domain.Relationship
	Raw           json.RawMessage
}

type Gateway interface {
	Execute(ctx context.Context, req *Request) (*Output, error)
}

type DataStore interface {
	Store(ctx context.Context, entities []domain.Entity, relationships []domain.Relationship) error
}

type Registry interface {
	Resolve(ctx context.Context, moduleID string) (domain.ModuleRef, error)
}

type executeBody struct {
	Target     targetBody      `json:"target"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	TaskID     string          `json:"task_id"`
}

type targetBody struct {
	Type     string            `json:"type"`
	Value    string            `json:"value"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func newExecuteBody(req *Request) executeBody {
	return executeBody{
		Target: targetBody{
			Type:     req.Target.Type,
			Value:    req.Target.Value,
			Metadata: req.Target.Metadata,
		},
		Parameters: req.Parameters,
		TaskID:     req.CorrelationID,
	}
}

type resultBody struct {
	Entities      []json.RawMessage `json:"entities"`
	Relationships []json.RawMessage `json:"relationships"`
}

type entityBody struct {
	ID         string         `json:"id"`
	EntityType *string        `json:"entity_type"`
	Value      *string        `json:"value"`
	Data       map[string]any `json:"data"`
	Metadata   map[string]any `json:"metadata"`
	Confidence *int           `json:"confidence"`
}

type relationshipBody struct {
	ID               string         `json:"id"`
	SourceID         string         `json:"source_id"`
	TargetID         string         `json:"target_id"`
	SourceValue      *string        `json:"source_value"`
	TargetValue      *string        `json:"target_value"`
	RelationshipType *string        `json:"relationship_type"`
	Data             map[string]any `json:"data"`
	Confidence       *int           `json:"confidence"`
}

// Extract parses a module result. Entries missing a required field are
// dropped; source is recorded as the origin of every finding.
func Extract(raw []byte, source string) (*Output, error) {
	var body resultBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, domain.ExternalAPI("failed to parse execution result", err)
	}
	out := &Output{Raw: json.RawMessage(raw)}

	for _, r := range body.Entities {
		var e entityBody
		if json.Unmarshal(r, &e) != nil || e.EntityType == nil || e.Value == nil {
			continue
		}
		ent := domain.Entity{
			ID:         e.ID,
			EntityType: *e.EntityType,
			Value:      *e.Value,
			Data:       e.Data,
			Confidence: confidence(e.Confidence),
			Source:     source,
		}
		for k, v := range e.Metadata {
			if s, ok := v.(string); ok {
				if ent.Metadata == nil {
					ent.Metadata = make(map[string]string)
				}
				ent.Metadata[k] = s
			}
		}
		out.Entities = append(out.Entities, ent)
	}

	for _, r := range body.Relationships {
		var rel relationshipBody
		if json.Unmarshal(r, &rel) != nil || rel.RelationshipType == nil || rel.SourceValue == nil || rel.TargetValue == nil {
			continue
		}
		out.Relationships = append(out.Relationships, domain.Relationship{
			ID:               rel.ID,
			SourceID:         rel.SourceID,
			TargetID:         rel.TargetID,
			SourceValue:      *rel.SourceValue,
			TargetValue:      *rel.TargetValue,
			RelationshipType: *rel.RelationshipType,
			Data:             rel.Data,
			Confidence:       confidence(rel.Confidence),
			Source:           source,
		})
	}
	return out, nil
}

func confidence(c *int) int {
	if c == nil {
		return DefaultConfidence
	}
	return *c
}
