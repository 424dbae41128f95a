package main

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func boolPtr(v bool) *bool { return &v }

func TestNormalizeToolAnnotations_Defaults(t *testing.T) {
	tool := mcp.Tool{Name: "t"}
	annotations := normalizeToolAnnotations(tool)

	if _, ok := annotations["title"]; ok {
		t.Fatalf("empty title should be omitted")
	}
	for _, key := range []string{"readOnlyHint", "destructiveHint", "idempotentHint", "openWorldHint"} {
		v, ok := annotations[key].(bool)
		if !ok || v {
			t.Fatalf("expected %s=false, got %v", key, annotations[key])
		}
	}
}

func TestNormalizeToolAnnotations_Existing(t *testing.T) {
	tool := mcp.Tool{Name: "t"}
	tool.Annotations.Title = "Fetcher"
	tool.Annotations.ReadOnlyHint = boolPtr(true)
	tool.Annotations.OpenWorldHint = boolPtr(true)

	annotations := normalizeToolAnnotations(tool)
	if annotations["title"] != "Fetcher" {
		t.Fatalf("title not preserved: %v", annotations["title"])
	}
	if annotations["readOnlyHint"] != true || annotations["openWorldHint"] != true {
		t.Fatalf("set hints not preserved: %v", annotations)
	}
	if annotations["destructiveHint"] != false {
		t.Fatalf("unset hint should normalize to false")
	}
}

func TestToolDescriptorNamespacesDescription(t *testing.T) {
	tool := mcp.Tool{Name: "fetch", Description: "does X"}
	descriptor := toolDescriptor("a", tool)

	if descriptor["name"] != "fetch" {
		t.Fatalf("machine-identifying name must pass through, got %v", descriptor["name"])
	}
	if descriptor["description"] != "[a] does X" {
		t.Fatalf("description not namespaced: %v", descriptor["description"])
	}
}

func TestMergeToolDescriptors_RicherFieldWins(t *testing.T) {
	sparse := map[string]any{"name": "t", "description": "", "annotations": map[string]any{"readOnlyHint": false}}
	rich := map[string]any{"name": "t", "description": "[b] full text", "annotations": map[string]any{"readOnlyHint": true}}

	merged := mergeToolDescriptors(sparse, rich)
	if merged["description"] != "[b] full text" {
		t.Fatalf("empty description should yield to the richer one: %v", merged["description"])
	}
	annotations, _ := merged["annotations"].(map[string]any)
	if annotations["readOnlyHint"] != true {
		t.Fatalf("positive hint should win the merge: %v", annotations)
	}
}

func TestMergeToolDescriptors_NilSides(t *testing.T) {
	only := map[string]any{"name": "t"}
	if got := mergeToolDescriptors(nil, only); got["name"] != "t" {
		t.Fatalf("nil existing should return candidate")
	}
	if got := mergeToolDescriptors(only, nil); got["name"] != "t" {
		t.Fatalf("nil candidate should return existing")
	}
}
