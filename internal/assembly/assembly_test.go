package assembly

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localcloud/internal/graph"
)

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func writeAssembly(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	writeJSON(t, filepath.Join(dir, "manifest.json"), map[string]interface{}{
		"version": "36.0.0",
		"artifacts": map[string]interface{}{
			"app-stack": map[string]interface{}{
				"type":       "aws:cloudformation:stack",
				"properties": map[string]interface{}{"templateFile": "app-stack.template.json"},
			},
		},
	})

	writeJSON(t, filepath.Join(dir, "app-stack.template.json"), map[string]interface{}{
		"Resources": map[string]interface{}{
			"OrdersQueue": map[string]interface{}{
				"Type":       "AWS::SQS::Queue",
				"Properties": map[string]interface{}{"QueueName": "orders"},
			},
			"ProcessFn": map[string]interface{}{
				"Type": "AWS::Lambda::Function",
				"Properties": map[string]interface{}{
					"FunctionName": "process",
					"Runtime":      "python3.12",
					"Handler":      "index.handler",
					"Environment": map[string]interface{}{
						"Variables": map[string]interface{}{
							"QUEUE_URL": map[string]interface{}{"Ref": "OrdersQueue"},
						},
					},
				},
				"Metadata": map[string]interface{}{"aws:asset:path": "asset.abc123"},
			},
			"Mapping": map[string]interface{}{
				"Type": "AWS::Lambda::EventSourceMapping",
				"Properties": map[string]interface{}{
					"EventSourceArn": map[string]interface{}{"Fn::GetAtt": []interface{}{"OrdersQueue", "Arn"}},
					"FunctionName":   map[string]interface{}{"Ref": "ProcessFn"},
				},
			},
		},
	})

	writeJSON(t, filepath.Join(dir, "app-stack.assets.json"), map[string]interface{}{
		"version": "36.0.0",
		"files": map[string]interface{}{
			"abc123": map[string]interface{}{
				"source": map[string]interface{}{"path": "asset.abc123", "packaging": "zip"},
			},
		},
		"dockerImages": map[string]interface{}{},
	})

	return dir
}

func TestLoad(t *testing.T) {
	asm, err := Load(writeAssembly(t))
	require.NoError(t, err)

	require.Len(t, asm.Resources, 3)
	require.Len(t, asm.FileAssets, 1)
	assert.Equal(t, "zip", asm.FileAssets[0].Packaging)

	queue, ok := asm.Resource("OrdersQueue")
	require.True(t, ok)
	assert.Equal(t, graph.KindQueue, queue.Kind)

	fn, ok := asm.Resource("ProcessFn")
	require.True(t, ok)
	assert.Equal(t, graph.KindFunction, fn.Kind)
	assert.Equal(t, "asset.abc123", fn.Metadata["aws:asset:path"])

	path, ok := asm.AssetPath("abc123")
	require.True(t, ok)
	assert.Contains(t, path, "asset.abc123")
}

func TestLoadMissingManifest(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestBuildGraphOrdering(t *testing.T) {
	asm, err := Load(writeAssembly(t))
	require.NoError(t, err)

	g, err := BuildGraph(asm.Resources)
	require.NoError(t, err)

	order, err := g.TopologicalSort()
	require.NoError(t, err)

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	// The queue is a leaf; the function depends on it; the mapping
	// depends on both.
	assert.Less(t, pos["OrdersQueue"], pos["ProcessFn"])
	assert.Less(t, pos["ProcessFn"], pos["Mapping"])
}

func TestBuildGraphTriggerEdges(t *testing.T) {
	asm, err := Load(writeAssembly(t))
	require.NoError(t, err)

	g, err := BuildGraph(asm.Resources)
	require.NoError(t, err)

	var sawTrigger bool
	for _, e := range g.Edges() {
		if e.Source == "Mapping" && e.Target == "ProcessFn" && e.Relation == graph.RelationTriggers {
			sawTrigger = true
		}
	}
	assert.True(t, sawTrigger, "event source mapping should carry a triggers edge to its function")
}

func TestBuildGraphRejectsUnknownReference(t *testing.T) {
	_, err := BuildGraph([]Resource{
		{
			LogicalID: "Fn",
			Kind:      graph.KindFunction,
			Properties: map[string]interface{}{
				"Environment": map[string]interface{}{
					"Variables": map[string]interface{}{
						"TABLE": map[string]interface{}{"Ref": "MissingTable"},
					},
				},
			},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MissingTable")
}

func TestCollectRefsIgnoresPseudoParameters(t *testing.T) {
	refs := collectRefs(map[string]interface{}{
		"Region":  map[string]interface{}{"Ref": "AWS::Region"},
		"Account": map[string]interface{}{"Ref": "AWS::AccountId"},
		"Real":    map[string]interface{}{"Ref": "MyQueue"},
	}, nil)
	assert.Equal(t, []string{"MyQueue"}, refs)
}
