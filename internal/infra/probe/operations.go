package probe

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"toolgate/internal/domain"
)

var httpMethods = map[string]bool{
	"get": true, "post": true, "put": true, "patch": true,
	"delete": true, "head": true, "options": true, "trace": true,
}

var nonNameChars = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

const maxToolNameLen = 120

// sanitizeComponent lowercases a name fragment and collapses everything
// outside [a-zA-Z0-9_] into underscores.
func sanitizeComponent(value, fallback string) string {
	normalized := nonNameChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "_")
	normalized = strings.Trim(normalized, "_")
	if normalized == "" {
		return fallback
	}
	return normalized
}

// chooseUniqueName truncates to the name budget and appends _2, _3... until
// the candidate is free.
func chooseUniqueName(base string, existing map[string]bool) string {
	candidate := truncate(base, maxToolNameLen)
	suffix := 2
	for existing[candidate] {
		token := fmt.Sprintf("_%d", suffix)
		keep := maxToolNameLen - len(token)
		if keep < 1 {
			keep = 1
		}
		candidate = truncate(base, keep) + token
		suffix++
	}
	return candidate
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// mergeParameters combines path-level and operation-level parameter lists,
// operation-level winning on a (name, in) collision. Order is preserved.
func mergeParameters(pathLevel, opLevel []any) []map[string]any {
	type key struct{ name, in string }
	index := map[key]int{}
	var merged []map[string]any

	for _, item := range append(append([]any{}, pathLevel...), opLevel...) {
		param, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, nameOK := param["name"].(string)
		location, locOK := param["in"].(string)
		if !nameOK || !locOK {
			continue
		}
		k := key{name, location}
		if pos, exists := index[k]; exists {
			merged[pos] = param
			continue
		}
		index[k] = len(merged)
		merged = append(merged, param)
	}
	return merged
}

var preferredMediaTypes = []string{
	"application/json",
	"application/*+json",
	"application/x-www-form-urlencoded",
	"multipart/form-data",
	"*/*",
}

// buildInputSchema groups parameters into path/query/headers/cookies
// sub-objects, attaches the request body schema under "body", and appends
// the timeout_sec control knob. Returns the schema and the chosen body
// content type, empty when the operation has no body.
func buildInputSchema(parameters []map[string]any, requestBody map[string]any) (map[string]any, string) {
	groupKeys := []string{"path", "query", "headers", "cookies"}
	locationMap := map[string]string{
		"path": "path", "query": "query", "header": "headers", "cookie": "cookies",
	}

	groupProps := map[string]map[string]any{}
	groupRequired := map[string][]string{}
	for _, key := range groupKeys {
		groupProps[key] = map[string]any{}
	}

	for _, param := range parameters {
		name, nameOK := param["name"].(string)
		location, locOK := param["in"].(string)
		if !nameOK || !locOK {
			continue
		}
		groupKey, ok := locationMap[strings.ToLower(location)]
		if !ok {
			continue
		}

		entry := map[string]any{"type": "string"}
		if schema, ok := param["schema"].(map[string]any); ok {
			entry = map[string]any{}
			for k, v := range schema {
				entry[k] = v
			}
		}
		if description, ok := param["description"].(string); ok && strings.TrimSpace(description) != "" {
			entry["description"] = strings.TrimSpace(description)
		}

		groupProps[groupKey][name] = entry
		if required, ok := param["required"].(bool); ok && required {
			groupRequired[groupKey] = append(groupRequired[groupKey], name)
		}
	}

	properties := map[string]any{}
	var topRequired []string
	for _, key := range groupKeys {
		if len(groupProps[key]) == 0 {
			continue
		}
		group := map[string]any{
			"type":                 "object",
			"properties":           groupProps[key],
			"additionalProperties": false,
		}
		if required := groupRequired[key]; len(required) > 0 {
			group["required"] = required
		}
		properties[key] = group
		if len(groupRequired[key]) > 0 {
			topRequired = append(topRequired, key)
		}
	}

	var bodyContentType string
	if requestBody != nil {
		bodySchema := map[string]any{"type": "object"}
		if content, ok := requestBody["content"].(map[string]any); ok {
			ordered := append([]string{}, preferredMediaTypes...)
			var extra []string
			for mediaType := range content {
				extra = append(extra, mediaType)
			}
			sort.Strings(extra)
			ordered = append(ordered, extra...)

			for _, mediaType := range ordered {
				media, ok := content[mediaType].(map[string]any)
				if !ok {
					continue
				}
				if schema, ok := media["schema"].(map[string]any); ok {
					bodySchema = schema
					bodyContentType = mediaType
					break
				}
			}
		}
		properties["body"] = bodySchema
		if required, ok := requestBody["required"].(bool); ok && required {
			topRequired = append(topRequired, "body")
		}
	}

	properties["timeout_sec"] = map[string]any{
		"type":        "number",
		"minimum":     1,
		"maximum":     domain.MaxDispatchTimeoutSeconds,
		"default":     domain.DefaultDispatchTimeoutSeconds,
		"description": "Optional request timeout (seconds)",
	}

	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(topRequired) > 0 {
		sort.Strings(topRequired)
		schema["required"] = dedupe(topRequired)
	}
	return schema, bodyContentType
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || sorted[i-1] != s {
			out = append(out, s)
		}
	}
	return out
}

// extractOperations walks the spec's paths object and produces one raw
// operation per path x method pair. Tool names are app-prefixed and
// collision-free within the app.
func extractOperations(appName string, spec map[string]any) []domain.RawOperation {
	paths, ok := spec["paths"].(map[string]any)
	if !ok {
		return nil
	}

	appComponent := sanitizeComponent(appName, "app")
	seenNames := map[string]bool{}
	var operations []domain.RawOperation

	for _, rawPath := range sortedKeys(paths) {
		pathItem, ok := paths[rawPath].(map[string]any)
		if !ok {
			continue
		}

		var pathParameters []any
		if params, ok := pathItem["parameters"].([]any); ok {
			pathParameters = params
		}

		for _, method := range sortedKeys(pathItem) {
			if !httpMethods[strings.ToLower(method)] {
				continue
			}
			operation, ok := pathItem[method].(map[string]any)
			if !ok {
				continue
			}

			var opComponent string
			if operationID, ok := operation["operationId"].(string); ok && strings.TrimSpace(operationID) != "" {
				opComponent = sanitizeComponent(operationID, strings.ToLower(method))
			} else {
				pathComponent := sanitizeComponent(
					strings.NewReplacer("{", "", "}", "").Replace(rawPath), "tool")
				opComponent = strings.ToLower(method) + "_" + pathComponent
			}

			name := chooseUniqueName(appComponent+"__"+opComponent, seenNames)
			seenNames[name] = true

			var opParameters []any
			if params, ok := operation["parameters"].([]any); ok {
				opParameters = params
			}
			merged := mergeParameters(pathParameters, opParameters)

			var requestBody map[string]any
			if body, ok := operation["requestBody"].(map[string]any); ok {
				requestBody = body
			}
			inputSchema, bodyContentType := buildInputSchema(merged, requestBody)

			text := ""
			if summary, ok := operation["summary"].(string); ok && strings.TrimSpace(summary) != "" {
				text = summary
			} else if description, ok := operation["description"].(string); ok {
				text = description
			}
			if strings.TrimSpace(text) == "" {
				text = fmt.Sprintf("Call %s %s", strings.ToUpper(method), rawPath)
			}

			operations = append(operations, domain.RawOperation{
				Name:            name,
				Title:           fmt.Sprintf("%s: %s %s", appName, strings.ToUpper(method), rawPath),
				Description:     strings.TrimSpace(text),
				Method:          strings.ToUpper(method),
				Path:            rawPath,
				InputSchema:     inputSchema,
				BodyContentType: bodyContentType,
			})
		}
	}
	return operations
}

// countOperations counts path x method pairs without building schemas.
func countOperations(spec map[string]any) int {
	paths, ok := spec["paths"].(map[string]any)
	if !ok {
		return 0
	}
	total := 0
	for _, item := range paths {
		pathItem, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for method := range pathItem {
			if httpMethods[strings.ToLower(method)] {
				total++
			}
		}
	}
	return total
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
