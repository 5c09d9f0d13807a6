package graph

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ZanzyTHEbar/dagengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pricingYAML = `graph:
  id: pricing
  nodes:
    - id: cost
      type: calculation
      operation:
        function: calculate_cost
        parameters:
          fees: 5
    - id: check
      type: validation
      dependencies: [cost]
      operation:
        function: validate_threshold
      validation:
        error_handling: fallback
        fallback_value:
          valid: false
context:
  trigger: schedule
  input_data:
    base_amount: 100
  timeout_ms: 2000
`

func writeGraph(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadGraphFile_YAML(t *testing.T) {
	gf, err := LoadGraphFile(writeGraph(t, "pricing.yml", pricingYAML))
	require.NoError(t, err)

	assert.Equal(t, "pricing", gf.Graph.ID)
	require.Len(t, gf.Graph.Nodes, 2)
	check := gf.Graph.Nodes[1]
	assert.Equal(t, dagengine.KindValidation, check.Kind)
	assert.Equal(t, []string{"cost"}, check.Dependencies)
	require.NotNil(t, check.Validation)
	assert.Equal(t, dagengine.PolicyFallback, check.Validation.ErrorHandling)
	assert.Equal(t, map[string]any{"valid": false}, check.Validation.FallbackValue)
	assert.Equal(t, 5, gf.Graph.Nodes[0].Operation.Parameters["fees"])

	assert.Equal(t, "schedule", gf.Context.Trigger)
	assert.Equal(t, 100, gf.Context.InputData["base_amount"])
	assert.Equal(t, int64(2000), gf.Context.TimeoutMS)
}

func TestLoadGraphFile_JSON(t *testing.T) {
	body := `{"graph": {"id": "j", "nodes": [{"id": "a", "type": "calculation", "operation": {"function": "calculate_cost"}}]},
	          "context": {"input_data": {"base_amount": 12.5}}}`
	gf, err := LoadGraphFile(writeGraph(t, "g.JSON", body))
	require.NoError(t, err)

	assert.Equal(t, "j", gf.Graph.ID)
	assert.Equal(t, json.Number("12.5"), gf.Context.InputData["base_amount"], "numbers are kept exact")
}

func TestLoadGraphFile_Errors(t *testing.T) {
	_, err := LoadGraphFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to open graph file")

	_, err = LoadGraphFile(writeGraph(t, "bad.yaml", "graph: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse graph YAML")

	_, err = LoadGraphFile(writeGraph(t, "bad.json", "{"))
	assert.ErrorContains(t, err, "failed to parse graph JSON")
}

func TestFormatForPath(t *testing.T) {
	assert.Equal(t, "json", FormatForPath("a/b.json"))
	assert.Equal(t, "yaml", FormatForPath("a/b.yaml"))
	assert.Equal(t, "yaml", FormatForPath("graph"))
}

type upperLoader struct{ YAMLLoader }

func (upperLoader) Format() string { return "upper-yaml" }

func TestLoaderRegistry(t *testing.T) {
	_, ok := GetGraphFileLoader("yaml")
	assert.True(t, ok)
	_, ok = GetGraphFileLoader("toml")
	assert.False(t, ok)

	RegisterGraphFileLoader(upperLoader{})
	loader, ok := GetGraphFileLoader("upper-yaml")
	require.True(t, ok)
	gf, err := loader.Decode(strings.NewReader(pricingYAML))
	require.NoError(t, err)
	assert.Equal(t, "pricing", gf.Graph.ID)
}

func TestLoadAndValidate(t *testing.T) {
	gf, err := LoadAndValidate(writeGraph(t, "ok.yaml", pricingYAML), NewValidator())
	require.NoError(t, err)
	assert.Equal(t, "pricing", gf.Graph.ID)

	bad := strings.Replace(pricingYAML, "dependencies: [cost]", "dependencies: [ghost]", 1)
	gf, err = LoadAndValidate(writeGraph(t, "bad.yaml", bad), NewValidator())
	require.NotNil(t, gf, "the decoded file is returned alongside its validation errors")
	var verrs dagengine.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, dagengine.ValidationErrors{"node 'check' depends on missing node 'ghost'"}, verrs)
}
