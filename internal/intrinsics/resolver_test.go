package intrinsics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localcloud/internal/graph"
)

func newTestResolver(t *testing.T) (*Resolver, *RefMap) {
	t.Helper()
	refs := NewRefMap()
	refs.Set("MyQueue", "local-my-queue")
	refs.Set("MyQueue.Arn", "arn:aws:sqs:local-1:000000000000:local-my-queue")
	kinds := map[string]graph.Kind{
		"MyQueue": graph.KindQueue,
		"MyTable": graph.KindKVTable,
	}
	conditions := map[string]bool{"IsLocal": true, "IsProd": false}
	return NewResolver(refs, conditions, kinds), refs
}

func TestRefMapWriteOnce(t *testing.T) {
	m := NewRefMap()
	assert.True(t, m.Set("A", "first"))
	assert.False(t, m.Set("A", "second"))
	v, ok := m.Get("A")
	require.True(t, ok)
	assert.Equal(t, "first", v)
}

func TestResolveRef(t *testing.T) {
	r, _ := newTestResolver(t)

	out := r.Resolve(map[string]interface{}{"Ref": "MyQueue"})
	assert.Equal(t, "local-my-queue", out)
}

func TestResolveRefStandIn(t *testing.T) {
	r, _ := newTestResolver(t)

	// Known kind, not started: fixed arn template for the kind.
	out := r.Resolve(map[string]interface{}{"Ref": "MyTable"})
	assert.Equal(t, "arn:aws:dynamodb:local-1:000000000000:table:MyTable", out)

	// Unknown kind: arn:local:unknown marker.
	out = r.Resolve(map[string]interface{}{"Ref": "Mystery"})
	assert.Equal(t, "arn:local:unknown:local-1:000000000000:Mystery", out)
}

func TestResolveGetAtt(t *testing.T) {
	r, _ := newTestResolver(t)

	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"list form", []interface{}{"MyQueue", "Arn"}, "arn:aws:sqs:local-1:000000000000:local-my-queue"},
		{"string form", "MyQueue.Arn", "arn:aws:sqs:local-1:000000000000:local-my-queue"},
		{"unstarted arn", []interface{}{"MyTable", "Arn"}, "arn:aws:dynamodb:local-1:000000000000:table:MyTable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.Resolve(map[string]interface{}{"Fn::GetAtt": tt.in})
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestResolveJoin(t *testing.T) {
	r, _ := newTestResolver(t)

	out := r.Resolve(map[string]interface{}{
		"Fn::Join": []interface{}{"/", []interface{}{
			"https:", "", map[string]interface{}{"Ref": "MyQueue"},
		}},
	})
	assert.Equal(t, "https://local-my-queue", out)
}

func TestResolveSub(t *testing.T) {
	r, _ := newTestResolver(t)

	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"map lookup", "queue=${MyQueue}", "queue=local-my-queue"},
		{"pseudo", "${AWS::Region}:${AWS::AccountId}", "local-1:000000000000"},
		{"locals win over map", []interface{}{"${MyQueue}", map[string]interface{}{"MyQueue": "override"}}, "override"},
		{"unresolvable preserved", "keep ${Nope} literal", "keep ${Nope} literal"},
		{"attribute composite", "${MyQueue.Arn}", "arn:aws:sqs:local-1:000000000000:local-my-queue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.Resolve(map[string]interface{}{"Fn::Sub": tt.in})
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestResolveSelect(t *testing.T) {
	r, _ := newTestResolver(t)

	out := r.Resolve(map[string]interface{}{
		"Fn::Select": []interface{}{float64(1), []interface{}{"a", "b", "c"}},
	})
	assert.Equal(t, "b", out)

	out = r.Resolve(map[string]interface{}{
		"Fn::Select": []interface{}{float64(9), []interface{}{"a"}},
	})
	assert.Nil(t, out)
}

func TestResolveIf(t *testing.T) {
	r, _ := newTestResolver(t)

	out := r.Resolve(map[string]interface{}{
		"Fn::If": []interface{}{"IsLocal", "then-value", "else-value"},
	})
	assert.Equal(t, "then-value", out)

	out = r.Resolve(map[string]interface{}{
		"Fn::If": []interface{}{"IsProd", "then-value", "else-value"},
	})
	assert.Equal(t, "else-value", out)
}

func TestResolveNestedBottomUp(t *testing.T) {
	r, _ := newTestResolver(t)

	out := r.Resolve(map[string]interface{}{
		"Env": map[string]interface{}{
			"Variables": map[string]interface{}{
				"ENDPOINT": map[string]interface{}{
					"Fn::Join": []interface{}{"-", []interface{}{
						"prefix",
						map[string]interface{}{"Ref": "MyQueue"},
					}},
				},
				"STATIC": "unchanged",
			},
		},
	})

	env := out.(map[string]interface{})["Env"].(map[string]interface{})
	vars := env["Variables"].(map[string]interface{})
	assert.Equal(t, "prefix-local-my-queue", vars["ENDPOINT"])
	assert.Equal(t, "unchanged", vars["STATIC"])
}
