package intrinsics

import (
	"fmt"
	"regexp"
	"strings"

	"localcloud/internal/graph"
	"localcloud/pkg/logging"
)

const subsystem = "Intrinsics"

// Fixed local defaults for pseudo-parameters.
const (
	LocalAccountID = "000000000000"
	LocalRegion    = "local-1"
	LocalPartition = "aws"
	LocalURLSuffix = "localhost"
)

// arnServices maps a resource kind to the service segment of the stand-in
// arn synthesized for unresolved references.
var arnServices = map[graph.Kind]string{
	graph.KindFunction:     "lambda:function",
	graph.KindQueue:        "sqs",
	graph.KindKVTable:      "dynamodb:table",
	graph.KindBucket:       "s3",
	graph.KindTopic:        "sns",
	graph.KindEventBus:     "events:event-bus",
	graph.KindEventRule:    "events:rule",
	graph.KindWorkflow:     "states:stateMachine",
	graph.KindIdentityPool: "cognito-identity:identitypool",
	graph.KindGatewayV1:    "apigateway:restapi",
	graph.KindGatewayV2:    "apigateway:api",
	graph.KindECSService:   "ecs:service",
}

// StandInArn synthesizes a deterministic stand-in value for a logical ID
// whose provider has not registered a concrete name yet.
func StandInArn(kind graph.Kind, logicalID string) string {
	service, ok := arnServices[kind]
	if !ok {
		return fmt.Sprintf("arn:local:unknown:%s:%s:%s", LocalRegion, LocalAccountID, logicalID)
	}
	parts := strings.SplitN(service, ":", 2)
	if len(parts) == 2 {
		return fmt.Sprintf("arn:%s:%s:%s:%s:%s:%s", LocalPartition, parts[0], LocalRegion, LocalAccountID, parts[1], logicalID)
	}
	return fmt.Sprintf("arn:%s:%s:%s:%s:%s", LocalPartition, service, LocalRegion, LocalAccountID, logicalID)
}

// Resolver evaluates intrinsic markers in resource property trees against
// the reference map populated as providers start.
type Resolver struct {
	refs       *RefMap
	conditions map[string]bool
	kinds      map[string]graph.Kind
}

// NewResolver creates a resolver. kinds maps logical IDs to their resource
// kinds, used to synthesize stand-ins for not-yet-started resources.
func NewResolver(refs *RefMap, conditions map[string]bool, kinds map[string]graph.Kind) *Resolver {
	if conditions == nil {
		conditions = map[string]bool{}
	}
	if kinds == nil {
		kinds = map[string]graph.Kind{}
	}
	return &Resolver{refs: refs, conditions: conditions, kinds: kinds}
}

// Resolve evaluates a property tree bottom-up, substituting every marker.
// The input is not modified.
func (r *Resolver) Resolve(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		if len(v) == 1 {
			if out, ok := r.evalMarker(v); ok {
				return out
			}
		}
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			out[key] = r.Resolve(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = r.Resolve(item)
		}
		return out
	default:
		return value
	}
}

func (r *Resolver) evalMarker(m map[string]interface{}) (interface{}, bool) {
	if target, ok := m["Ref"].(string); ok {
		return r.resolveRef(target), true
	}
	if att, ok := m["Fn::GetAtt"]; ok {
		return r.resolveGetAtt(r.Resolve(att)), true
	}
	if args, ok := m["Fn::Join"].([]interface{}); ok && len(args) == 2 {
		return r.resolveJoin(args), true
	}
	if sub, ok := m["Fn::Sub"]; ok {
		return r.resolveSub(r.Resolve(sub)), true
	}
	if args, ok := m["Fn::Select"].([]interface{}); ok && len(args) == 2 {
		return r.resolveSelect(args), true
	}
	if args, ok := m["Fn::If"].([]interface{}); ok && len(args) == 3 {
		return r.resolveIf(args), true
	}
	return nil, false
}

func (r *Resolver) resolveRef(target string) string {
	if v, ok := r.pseudo(target); ok {
		return v
	}
	if v, ok := r.refs.Get(target); ok {
		return v
	}
	kind, known := r.kinds[target]
	if !known || kind == graph.KindUnknown {
		logging.Warn(subsystem, "Unresolvable reference %s with unknown kind, synthesizing stand-in", target)
	}
	return StandInArn(kind, target)
}

func (r *Resolver) resolveGetAtt(att interface{}) string {
	var logicalID, attribute string
	switch a := att.(type) {
	case []interface{}:
		if len(a) >= 2 {
			logicalID, _ = a[0].(string)
			attribute, _ = a[1].(string)
		}
	case string:
		parts := strings.SplitN(a, ".", 2)
		logicalID = parts[0]
		if len(parts) == 2 {
			attribute = parts[1]
		}
	}
	key := logicalID + "." + attribute
	if v, ok := r.refs.Get(key); ok {
		return v
	}
	// Arn attributes of unstarted resources get the kind stand-in; other
	// attributes fall back to the composite key shape.
	if attribute == "Arn" {
		kind, known := r.kinds[logicalID]
		if !known || kind == graph.KindUnknown {
			logging.Warn(subsystem, "Unresolvable attribute %s with unknown kind, synthesizing stand-in", key)
		}
		return StandInArn(kind, logicalID)
	}
	logging.Warn(subsystem, "Unresolvable attribute %s, synthesizing stand-in", key)
	return fmt.Sprintf("arn:local:unknown:%s:%s:%s", LocalRegion, LocalAccountID, key)
}

func (r *Resolver) resolveJoin(args []interface{}) interface{} {
	delim, _ := args[0].(string)
	list, ok := r.Resolve(args[1]).([]interface{})
	if !ok {
		return args[1]
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		parts = append(parts, stringify(item))
	}
	return strings.Join(parts, delim)
}

var subPlaceholder = regexp.MustCompile(`\$\{([^}]+)\}`)

func (r *Resolver) resolveSub(sub interface{}) interface{} {
	var template string
	locals := map[string]interface{}{}
	switch s := sub.(type) {
	case string:
		template = s
	case []interface{}:
		if len(s) >= 1 {
			template, _ = s[0].(string)
		}
		if len(s) >= 2 {
			if m, ok := s[1].(map[string]interface{}); ok {
				locals = m
			}
		}
	default:
		return sub
	}

	return subPlaceholder.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-1]
		// Locals first, then the reference map and pseudo-parameters.
		if v, ok := locals[name]; ok {
			return stringify(v)
		}
		if v, ok := r.pseudo(name); ok {
			return v
		}
		if strings.Contains(name, ".") {
			if v, ok := r.refs.Get(name); ok {
				return v
			}
		} else if v, ok := r.refs.Get(name); ok {
			return v
		}
		logging.Warn(subsystem, "Unresolvable sub placeholder %q preserved literally", name)
		return match
	})
}

func (r *Resolver) resolveSelect(args []interface{}) interface{} {
	idx, ok := toInt(args[0])
	if !ok {
		return args
	}
	list, ok := r.Resolve(args[1]).([]interface{})
	if !ok || idx < 0 || idx >= len(list) {
		logging.Warn(subsystem, "Fn::Select index %d out of range", idx)
		return nil
	}
	return list[idx]
}

func (r *Resolver) resolveIf(args []interface{}) interface{} {
	name, _ := args[0].(string)
	if r.conditions[name] {
		return r.Resolve(args[1])
	}
	return r.Resolve(args[2])
}

func (r *Resolver) pseudo(name string) (string, bool) {
	switch name {
	case "AWS::AccountId":
		return LocalAccountID, true
	case "AWS::Region":
		return LocalRegion, true
	case "AWS::Partition":
		return LocalPartition, true
	case "AWS::URLSuffix":
		return LocalURLSuffix, true
	case "AWS::StackName":
		return "local-stack", true
	case "AWS::NoValue":
		return "", true
	}
	return "", false
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%g", s)
	case bool:
		return fmt.Sprintf("%t", s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err == nil {
			return i, true
		}
	}
	return 0, false
}
