package prompts_test

import (
	"strings"
	"testing"

	"github.com/becomeliminal/cofounder-go/prompts"
)

func TestRegistryLoadsAllTemplates(t *testing.T) {
	r, err := prompts.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	expected := []string{
		"question_classification",
		"intent_detection",
		"fact_extraction",
		"fact_merging",
		"memory_summarization",
		"qa_with_memory",
		"product_recommendation",
	}
	for _, name := range expected {
		if _, err := r.Render(name, nil); err != nil {
			t.Errorf("template %q missing: %v", name, err)
		}
	}
}

func TestRenderSubstitutesParams(t *testing.T) {
	r, err := prompts.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	out, err := r.Render("question_classification", map[string]string{
		"user_context": "name: Ana",
		"question":     "What is an LLC?",
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(out, "name: Ana") {
		t.Errorf("expected user context in prompt, got: %s", out)
	}
	if !strings.Contains(out, "What is an LLC?") {
		t.Errorf("expected question in prompt, got: %s", out)
	}
	if strings.Contains(out, "{question}") {
		t.Errorf("placeholder left unsubstituted: %s", out)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	r, err := prompts.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if _, err := r.Render("no_such_prompt", nil); err == nil {
		t.Error("expected error for unknown template name")
	}
}

func TestRenderLeavesUnmatchedPlaceholders(t *testing.T) {
	r, err := prompts.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	out, err := r.Render("qa_with_memory", map[string]string{"question": "hi"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(out, "{user_context}") {
		t.Errorf("expected missing param to stay visible, got: %s", out)
	}
}
