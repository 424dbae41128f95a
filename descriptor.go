package main

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// namespaced prefixes the human-readable field of a descriptor with the
// owning upstream's name. Descriptors are rebuilt from upstream responses on
// every listing, so the prefix is applied exactly once per call.
func namespaced(server, text string) string {
	return "[" + server + "] " + text
}

func toolDescriptor(server string, tool mcp.Tool) map[string]any {
	descriptor := map[string]any{
		"name":        tool.Name,
		"description": namespaced(server, tool.Description),
	}
	if len(tool.RawInputSchema) > 0 {
		descriptor["inputSchema"] = tool.RawInputSchema
	} else if tool.InputSchema.Type != "" || len(tool.InputSchema.Properties) > 0 || len(tool.InputSchema.Required) > 0 || len(tool.InputSchema.Defs) > 0 {
		descriptor["inputSchema"] = tool.InputSchema
	}
	if len(tool.RawOutputSchema) > 0 {
		descriptor["outputSchema"] = tool.RawOutputSchema
	} else if tool.OutputSchema.Type != "" || len(tool.OutputSchema.Properties) > 0 || len(tool.OutputSchema.Required) > 0 || len(tool.OutputSchema.Defs) > 0 {
		descriptor["outputSchema"] = tool.OutputSchema
	}
	descriptor["annotations"] = normalizeToolAnnotations(tool)
	return descriptor
}

func promptDescriptor(server string, prompt mcp.Prompt) map[string]any {
	descriptor := map[string]any{
		"name":        prompt.Name,
		"description": namespaced(server, prompt.Description),
	}
	if len(prompt.Arguments) > 0 {
		descriptor["arguments"] = prompt.Arguments
	}
	return descriptor
}

func resourceDescriptor(server string, resource mcp.Resource) map[string]any {
	descriptor := map[string]any{
		"uri":  resource.URI,
		"name": namespaced(server, resource.Name),
	}
	if resource.Description != "" {
		descriptor["description"] = resource.Description
	}
	if resource.MIMEType != "" {
		descriptor["mimeType"] = resource.MIMEType
	}
	return descriptor
}

func resourceTemplateDescriptor(server string, template mcp.ResourceTemplate) map[string]any {
	descriptor := map[string]any{
		"name": namespaced(server, template.Name),
	}
	if template.Description != "" {
		descriptor["description"] = template.Description
	}
	if template.MIMEType != "" {
		descriptor["mimeType"] = template.MIMEType
	}
	if template.URITemplate != nil {
		descriptor["uriTemplate"] = template.URITemplate
	}
	return descriptor
}

// normalizeToolAnnotations flattens the optional hint pointers into concrete
// booleans so downstream clients never see missing annotation keys.
func normalizeToolAnnotations(tool mcp.Tool) map[string]any {
	annotations := make(map[string]any, 5)
	existing := tool.Annotations

	if existing.Title != "" {
		annotations["title"] = existing.Title
	}
	annotations["readOnlyHint"] = boolHint(existing.ReadOnlyHint)
	annotations["destructiveHint"] = boolHint(existing.DestructiveHint)
	annotations["idempotentHint"] = boolHint(existing.IdempotentHint)
	annotations["openWorldHint"] = boolHint(existing.OpenWorldHint)
	return annotations
}

func boolHint(hint *bool) bool {
	if hint == nil {
		return false
	}
	return *hint
}

// mergeToolDescriptors reconciles two descriptors for the same tool name
// advertised by different upstreams. The result is built fresh over the
// union of keys: the first-seen value stays authoritative, the newcomer only
// fills fields the first left empty, and annotations fold together with
// positive hints winning.
func mergeToolDescriptors(existing, candidate map[string]any) map[string]any {
	if len(existing) == 0 {
		return candidate
	}
	if len(candidate) == 0 {
		return existing
	}

	keys := make(map[string]struct{}, len(existing)+len(candidate))
	for key := range existing {
		keys[key] = struct{}{}
	}
	for key := range candidate {
		keys[key] = struct{}{}
	}

	merged := make(map[string]any, len(keys))
	for key := range keys {
		if key == "annotations" {
			merged[key] = mergeAnnotations(existing[key], candidate[key])
			continue
		}
		merged[key] = pickNonEmpty(existing[key], candidate[key])
	}
	return merged
}

// pickNonEmpty keeps the first value unless it is empty and the second is
// not.
func pickNonEmpty(first, second any) any {
	if isEmptyValue(first) && !isEmptyValue(second) {
		return second
	}
	return first
}

// mergeAnnotations folds both annotation maps into one: boolean hints OR
// together, anything else keeps the first-seen value.
func mergeAnnotations(first, second any) map[string]any {
	merged := make(map[string]any)
	for _, side := range []any{first, second} {
		annotations, ok := side.(map[string]any)
		if !ok {
			continue
		}
		for key, value := range annotations {
			if flag, isBool := value.(bool); isBool {
				prev, _ := merged[key].(bool)
				merged[key] = prev || flag
				continue
			}
			if existing, present := merged[key]; !present || existing == nil {
				merged[key] = value
			}
		}
	}
	return merged
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	}
	return false
}
