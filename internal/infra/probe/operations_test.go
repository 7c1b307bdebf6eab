package probe

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"toolgate/internal/domain"
)

func TestSanitizeComponent(t *testing.T) {
	tests := []struct {
		in, fallback, want string
	}{
		{"List Invoices!", "tool", "list_invoices"},
		{"getUser", "tool", "getuser"},
		{"  __weird--name__ ", "tool", "weird_name"},
		{"!!!", "tool", "tool"},
		{"", "app", "app"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, sanitizeComponent(tt.in, tt.fallback), "input %q", tt.in)
	}
}

func TestChooseUniqueName(t *testing.T) {
	existing := map[string]bool{}
	first := chooseUniqueName("billing__list", existing)
	existing[first] = true
	second := chooseUniqueName("billing__list", existing)
	existing[second] = true
	third := chooseUniqueName("billing__list", existing)

	require.Equal(t, "billing__list", first)
	require.Equal(t, "billing__list_2", second)
	require.Equal(t, "billing__list_3", third)

	long := strings.Repeat("x", 200)
	name := chooseUniqueName(long, map[string]bool{})
	require.Len(t, name, 120)
}

func TestMergeParametersOperationLevelWins(t *testing.T) {
	pathLevel := []any{
		map[string]any{"name": "id", "in": "path", "required": true},
		map[string]any{"name": "verbose", "in": "query"},
	}
	opLevel := []any{
		map[string]any{"name": "verbose", "in": "query", "required": true},
	}
	merged := mergeParameters(pathLevel, opLevel)
	require.Len(t, merged, 2)
	require.Equal(t, "id", merged[0]["name"])
	require.Equal(t, true, merged[1]["required"])
}

func TestBuildInputSchemaGroupsByLocation(t *testing.T) {
	parameters := []map[string]any{
		{"name": "id", "in": "path", "required": true, "schema": map[string]any{"type": "integer"}},
		{"name": "verbose", "in": "query", "schema": map[string]any{"type": "boolean"}},
		{"name": "X-Trace", "in": "header", "description": " trace id "},
		{"name": "session", "in": "cookie"},
	}
	requestBody := map[string]any{
		"required": true,
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{"type": "object", "properties": map[string]any{"amount": map[string]any{"type": "number"}}},
			},
		},
	}

	schema, contentType := buildInputSchema(parameters, requestBody)
	require.Equal(t, "application/json", contentType)

	properties := schema["properties"].(map[string]any)
	for _, group := range []string{"path", "query", "headers", "cookies", "body", "timeout_sec"} {
		require.Contains(t, properties, group)
	}

	pathGroup := properties["path"].(map[string]any)
	require.Equal(t, []string{"id"}, pathGroup["required"])
	idSchema := pathGroup["properties"].(map[string]any)["id"].(map[string]any)
	require.Equal(t, "integer", idSchema["type"])

	headerSchema := properties["headers"].(map[string]any)["properties"].(map[string]any)["X-Trace"].(map[string]any)
	require.Equal(t, "string", headerSchema["type"])
	require.Equal(t, "trace id", headerSchema["description"])

	// Only groups with required members plus the body bubble up.
	require.ElementsMatch(t, []string{"body", "path"}, schema["required"])

	timeout := properties["timeout_sec"].(map[string]any)
	require.Equal(t, domain.DefaultDispatchTimeoutSeconds, timeout["default"])
}

func TestBuildInputSchemaWithoutBody(t *testing.T) {
	schema, contentType := buildInputSchema(nil, nil)
	require.Empty(t, contentType)
	properties := schema["properties"].(map[string]any)
	require.NotContains(t, properties, "body")
	require.Contains(t, properties, "timeout_sec")
	require.NotContains(t, schema, "required")
}

func TestExtractOperations(t *testing.T) {
	spec := map[string]any{
		"paths": map[string]any{
			"/invoices": map[string]any{
				"get": map[string]any{
					"operationId": "listInvoices",
					"summary":     "List invoices",
				},
				"post": map[string]any{
					"requestBody": map[string]any{
						"content": map[string]any{
							"application/json": map[string]any{"schema": map[string]any{"type": "object"}},
						},
					},
				},
			},
			"/invoices/{id}": map[string]any{
				"parameters": []any{
					map[string]any{"name": "id", "in": "path", "required": true},
				},
				"get": map[string]any{},
			},
		},
	}

	operations := extractOperations("Billing App", spec)
	require.Len(t, operations, 3)

	byName := map[string]domain.RawOperation{}
	for _, op := range operations {
		byName[op.Name] = op
	}

	listOp, ok := byName["billing_app__listinvoices"]
	require.True(t, ok, "names: %v", byName)
	require.Equal(t, "GET", listOp.Method)
	require.Equal(t, "/invoices", listOp.Path)
	require.Equal(t, "List invoices", listOp.Description)
	require.Equal(t, "Billing App: GET /invoices", listOp.Title)

	postOp, ok := byName["billing_app__post_invoices"]
	require.True(t, ok)
	require.Equal(t, "application/json", postOp.BodyContentType)

	// Operation without operationId falls back to method_path; path-level
	// parameters flow into the schema.
	idOp, ok := byName["billing_app__get_invoices_id"]
	require.True(t, ok)
	properties := idOp.InputSchema["properties"].(map[string]any)
	require.Contains(t, properties, "path")
}

func TestExtractOperationsDeduplicatesNames(t *testing.T) {
	spec := map[string]any{
		"paths": map[string]any{
			"/a": map[string]any{
				"get": map[string]any{"operationId": "do-it"},
			},
			"/b": map[string]any{
				"get": map[string]any{"operationId": "do_it"},
			},
		},
	}
	operations := extractOperations("app", spec)
	require.Len(t, operations, 2)
	names := []string{operations[0].Name, operations[1].Name}
	require.ElementsMatch(t, []string{"app__do_it", "app__do_it_2"}, names)
}

func TestCountOperations(t *testing.T) {
	require.Equal(t, 0, countOperations(map[string]any{}))
	require.Equal(t, 0, countOperations(map[string]any{"paths": map[string]any{}}))
	require.Equal(t, 2, countOperations(map[string]any{
		"paths": map[string]any{
			"/a": map[string]any{"get": map[string]any{}, "post": map[string]any{}, "parameters": []any{}},
		},
	}))
}

func TestExtractOperationsDeterministic(t *testing.T) {
	spec := map[string]any{
		"paths": map[string]any{
			"/users/{id}": map[string]any{
				"get":    map[string]any{"operationId": "getUser"},
				"delete": map[string]any{"operationId": "deleteUser"},
			},
			"/users": map[string]any{
				"get":  map[string]any{"operationId": "listUsers"},
				"post": map[string]any{"operationId": "createUser"},
			},
		},
	}

	first := extractOperations("crm", spec)
	second := extractOperations("crm", spec)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("extraction not deterministic (-first +second):\n%s", diff)
	}
	require.Len(t, first, 4)
}
