package assembly

import (
	"fmt"

	"localcloud/internal/graph"
	"localcloud/pkg/logging"
)

// consumerKinds are resource kinds whose references to other resources
// constrain startup order: they must start after whatever they reference.
var consumerKinds = map[graph.Kind]bool{
	graph.KindFunction:    true,
	graph.KindGatewayV1:   true,
	graph.KindGatewayV2:   true,
	graph.KindEventRule:   true,
	graph.KindEventSource: true,
	graph.KindWorkflow:    true,
	graph.KindFunctionURL: true,
	graph.KindQueue:       true, // redrive target must exist first
}

// BuildGraph converts the parsed resource list into the application graph:
// one node per resource, plus edges derived from intrinsic references and
// trigger wiring. Referencing a logical ID absent from the assembly is a
// configuration error.
func BuildGraph(resources []Resource) (*graph.Graph, error) {
	g := graph.New()
	for _, res := range resources {
		if err := g.AddNode(graph.Node{
			ID:         res.LogicalID,
			Kind:       res.Kind,
			Properties: res.Properties,
		}); err != nil {
			return nil, fmt.Errorf("invalid assembly: %w", err)
		}
	}

	for _, res := range resources {
		refs := collectRefs(res.Properties, nil)
		for _, ref := range refs {
			if g.Node(ref) == nil {
				return nil, fmt.Errorf("invalid assembly: %s references unknown resource %s", res.LogicalID, ref)
			}
			if ref == res.LogicalID {
				continue
			}
			relation := graph.RelationReferences
			if consumerKinds[res.Kind] {
				relation = graph.RelationDependsOn
			}
			// Duplicate triples happen when a resource references the
			// same target through several properties; keep the first.
			if err := g.AddEdge(res.LogicalID, ref, relation); err != nil {
				logging.Debug(subsystem, "Skipping edge %s -> %s: %v", res.LogicalID, ref, err)
			}
		}

		// Trigger edges: the wiring resource triggers the function it
		// points at, in addition to depending on it.
		switch res.Kind {
		case graph.KindEventSource, graph.KindEventRule, graph.KindFunctionURL:
			for _, ref := range refs {
				if node := g.Node(ref); node != nil && node.Kind == graph.KindFunction {
					if err := g.AddEdge(res.LogicalID, ref, graph.RelationTriggers); err != nil {
						logging.Debug(subsystem, "Skipping trigger edge %s -> %s: %v", res.LogicalID, ref, err)
					}
				}
			}
		}
	}

	return g, nil
}

// collectRefs walks a property tree and gathers every logical ID referenced
// through a Ref or Fn::GetAtt marker, depth first, in encounter order.
func collectRefs(value interface{}, acc []string) []string {
	switch v := value.(type) {
	case map[string]interface{}:
		if len(v) == 1 {
			if target, ok := v["Ref"].(string); ok {
				if !isPseudoParameter(target) {
					acc = appendUnique(acc, target)
				}
				return acc
			}
			if att, ok := v["Fn::GetAtt"]; ok {
				if id, ok := getAttTarget(att); ok {
					acc = appendUnique(acc, id)
				}
				return acc
			}
		}
		for _, val := range v {
			acc = collectRefs(val, acc)
		}
	case []interface{}:
		for _, item := range v {
			acc = collectRefs(item, acc)
		}
	}
	return acc
}

func getAttTarget(att interface{}) (string, bool) {
	switch a := att.(type) {
	case []interface{}:
		if len(a) >= 1 {
			if id, ok := a[0].(string); ok {
				return id, true
			}
		}
	case string:
		for i := 0; i < len(a); i++ {
			if a[i] == '.' {
				return a[:i], true
			}
		}
		return a, a != ""
	}
	return "", false
}

func isPseudoParameter(name string) bool {
	switch name {
	case "AWS::AccountId", "AWS::Region", "AWS::Partition", "AWS::StackName",
		"AWS::StackId", "AWS::URLSuffix", "AWS::NoValue", "AWS::NotificationARNs":
		return true
	}
	return false
}

func appendUnique(acc []string, id string) []string {
	for _, existing := range acc {
		if existing == id {
			return acc
		}
	}
	return append(acc, id)
}
