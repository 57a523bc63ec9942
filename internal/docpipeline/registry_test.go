package docpipeline

import (
	"context"
	"testing"
)

type fakeStage struct {
	name    string
	version int
	execute func(ctx context.Context, pctx *ProcessingContext) (map[string]any, error)
	cleanup func(ctx context.Context, documentID string) error
	input   func(pctx *ProcessingContext) (CanonicalInput, error)
}

func (s *fakeStage) Name() string       { return s.name }
func (s *fakeStage) SchemaVersion() int { return s.version }

func (s *fakeStage) CanonicalInput(pctx *ProcessingContext) (CanonicalInput, error) {
	if s.input != nil {
		return s.input(pctx)
	}
	fields := map[string]any{}
	if ph, ok := pctx.InputData["prerequisite_hashes"]; ok {
		fields["prerequisite_hashes"] = ph
	}
	return CanonicalInput{SchemaVersion: s.version, DocumentID: pctx.DocumentID, Fields: fields}, nil
}

func (s *fakeStage) Execute(ctx context.Context, pctx *ProcessingContext) (map[string]any, error) {
	if s.execute != nil {
		return s.execute(ctx, pctx)
	}
	return map[string]any{"stage": s.name}, nil
}

func (s *fakeStage) Cleanup(ctx context.Context, documentID string) error {
	if s.cleanup != nil {
		return s.cleanup(ctx, documentID)
	}
	return nil
}

func TestRegistryRejectsUnknownStage(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&fakeStage{name: "totally_new_stage", version: 1})
	if err == nil {
		t.Fatalf("registering an unknown stage name succeeded")
	}
	if _, ok := err.(*ErrUnknownStage); !ok {
		t.Fatalf("error is %T, want *ErrUnknownStage", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&fakeStage{name: "upload", version: 1}); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := reg.Register(&fakeStage{name: "upload", version: 1}); err == nil {
		t.Fatalf("duplicate registration succeeded")
	}
}

func TestRegistryMissingStages(t *testing.T) {
	reg := NewRegistry()
	if missing := reg.MissingStages(); len(missing) != len(StageNames) {
		t.Fatalf("empty registry reports %d missing, want %d", len(missing), len(StageNames))
	}
	for _, name := range StageNames {
		if err := reg.Register(&fakeStage{name: name, version: 1}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if missing := reg.MissingStages(); len(missing) != 0 {
		t.Fatalf("full registry reports missing stages: %v", missing)
	}

	if _, ok := reg.Get("not_a_stage"); ok {
		t.Fatalf("lookup of unknown name succeeded")
	}
}
