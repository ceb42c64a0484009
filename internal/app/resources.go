package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"localcloud/internal/assembly"
	"localcloud/internal/config"
	"localcloud/internal/graph"
	"localcloud/internal/intrinsics"
	"localcloud/internal/runtime"
	"localcloud/internal/services/eventbus"
	"localcloud/internal/services/gateway"
	"localcloud/internal/services/kvstore"
	"localcloud/internal/services/queue"
	"localcloud/pkg/logging"
)

// Stable port offsets from the primary port, one per service surface. The
// management surface listens on the primary port itself.
const (
	offsetObjectStore = 1
	offsetKVStore     = 2
	offsetQueue       = 3
	offsetPubSub      = 4
	offsetEventBus    = 5
	offsetWorkflow    = 6
	offsetFunctions   = 7
	offsetIdentity    = 8
	offsetGatewayBase = 10
)

// nameProperty maps a resource kind to the template property carrying its
// physical name.
var nameProperty = map[graph.Kind]string{
	graph.KindQueue:        "QueueName",
	graph.KindKVTable:      "TableName",
	graph.KindBucket:       "BucketName",
	graph.KindTopic:        "TopicName",
	graph.KindFunction:     "FunctionName",
	graph.KindEventBus:     "Name",
	graph.KindEventRule:    "Name",
	graph.KindWorkflow:     "StateMachineName",
	graph.KindGatewayV1:    "Name",
	graph.KindGatewayV2:    "Name",
	graph.KindIdentityPool: "IdentityPoolName",
}

// physicalName returns the name a resource gets locally: the declared name
// property when present, the logical ID otherwise. Bucket names are
// lowercased to stay within object-store naming rules.
func physicalName(node *graph.Node) string {
	name := node.ID
	if key, ok := nameProperty[node.Kind]; ok {
		if declared, ok := node.Properties[key].(string); ok && declared != "" {
			name = declared
		}
	}
	if node.Kind == graph.KindBucket {
		name = strings.ToLower(name)
	}
	return name
}

func accountArn(service, name string) string {
	return fmt.Sprintf("arn:%s:%s:%s:%s:%s",
		intrinsics.LocalPartition, service, intrinsics.LocalRegion, intrinsics.LocalAccountID, name)
}

// translator turns resolved resource declarations into provider
// configurations. It is built once during bootstrap and discarded.
type translator struct {
	cfg      config.Config
	asm      *assembly.Assembly
	graph    *graph.Graph
	refs     *intrinsics.RefMap
	resolver *intrinsics.Resolver

	// gatewayPorts assigns one port per gateway API, in sorted logical
	// ID order so restarts keep the same layout.
	gatewayPorts map[string]int
}

func newTranslator(cfg config.Config, asm *assembly.Assembly, g *graph.Graph, refs *intrinsics.RefMap) *translator {
	t := &translator{cfg: cfg, asm: asm, graph: g, refs: refs, gatewayPorts: map[string]int{}}

	var gatewayIDs []string
	for _, node := range g.Nodes() {
		switch node.Kind {
		case graph.KindGatewayV1, graph.KindGatewayV2, graph.KindFunctionURL:
			gatewayIDs = append(gatewayIDs, node.ID)
		}
	}
	sort.Strings(gatewayIDs)
	for i, id := range gatewayIDs {
		t.gatewayPorts[id] = cfg.ServicePort("gateway:"+id, offsetGatewayBase+i)
	}

	t.assignReferences()

	// Route targets reference integrations as "integrations/<Ref>", so an
	// integration's Ref must resolve to its logical ID.
	for _, res := range asm.Resources {
		if res.Type == "AWS::ApiGatewayV2::Integration" {
			refs.Set(res.LogicalID, res.LogicalID)
		}
	}

	kinds := make(map[string]graph.Kind, len(g.Nodes()))
	for _, node := range g.Nodes() {
		kinds[node.ID] = node.Kind
	}
	t.resolver = intrinsics.NewResolver(refs, nil, kinds)
	return t
}

// assignReferences records the concrete value and arn of every resource
// before any provider starts. Names are deterministic, so references
// resolve the same way regardless of startup order.
func (t *translator) assignReferences() {
	queueBase := t.cfg.Endpoint("queue", offsetQueue)
	for _, node := range t.graph.Nodes() {
		name := physicalName(node)
		switch node.Kind {
		case graph.KindQueue:
			t.refs.Set(node.ID, fmt.Sprintf("%s/%s/%s", queueBase, intrinsics.LocalAccountID, name))
			t.refs.Set(node.ID+".Arn", accountArn("sqs", name))
			t.refs.Set(node.ID+".QueueName", name)
		case graph.KindKVTable:
			t.refs.Set(node.ID, name)
			t.refs.Set(node.ID+".Arn", accountArn("dynamodb", "table/"+name))
		case graph.KindBucket:
			t.refs.Set(node.ID, name)
			t.refs.Set(node.ID+".Arn", fmt.Sprintf("arn:%s:s3:::%s", intrinsics.LocalPartition, name))
		case graph.KindTopic:
			arn := accountArn("sns", name)
			t.refs.Set(node.ID, arn)
			t.refs.Set(node.ID+".Arn", arn)
			t.refs.Set(node.ID+".TopicName", name)
		case graph.KindFunction:
			t.refs.Set(node.ID, name)
			t.refs.Set(node.ID+".Arn", accountArn("lambda", "function:"+name))
		case graph.KindEventBus:
			t.refs.Set(node.ID, name)
			t.refs.Set(node.ID+".Arn", accountArn("events", "event-bus/"+name))
		case graph.KindEventRule:
			bus := t.ruleBus(node)
			t.refs.Set(node.ID, name)
			t.refs.Set(node.ID+".Arn", accountArn("events", fmt.Sprintf("rule/%s/%s", bus, name)))
		case graph.KindWorkflow:
			arn := accountArn("states", "stateMachine:"+name)
			t.refs.Set(node.ID, arn)
			t.refs.Set(node.ID+".Arn", arn)
			t.refs.Set(node.ID+".Name", name)
		case graph.KindGatewayV1, graph.KindGatewayV2:
			endpoint := fmt.Sprintf("http://%s:%d", t.cfg.Host, t.gatewayPorts[node.ID])
			t.refs.Set(node.ID, strings.ToLower(node.ID))
			t.refs.Set(node.ID+".ApiEndpoint", endpoint)
			t.refs.Set(node.ID+".RootResourceId", "root")
		case graph.KindFunctionURL:
			url := fmt.Sprintf("http://%s:%d/", t.cfg.Host, t.gatewayPorts[node.ID])
			t.refs.Set(node.ID, url)
			t.refs.Set(node.ID+".FunctionUrl", url)
		case graph.KindIdentityPool:
			t.refs.Set(node.ID, fmt.Sprintf("%s:%s", intrinsics.LocalRegion, name))
		}
	}
}

func (t *translator) resolved(node *graph.Node) map[string]interface{} {
	out, _ := t.resolver.Resolve(node.Properties).(map[string]interface{})
	if out == nil {
		out = map[string]interface{}{}
	}
	return out
}

// ruleBus reads the bus name of a rule from the raw properties: either a
// literal name or a reference to a declared bus.
func (t *translator) ruleBus(node *graph.Node) string {
	switch v := node.Properties["EventBusName"].(type) {
	case string:
		if v != "" {
			return v
		}
	case map[string]interface{}:
		if target, ok := v["Ref"].(string); ok {
			if busNode := t.graph.Node(target); busNode != nil {
				return physicalName(busNode)
			}
		}
	}
	return eventbus.DefaultBus
}

func (t *translator) queueConfigs() []queue.Config {
	var out []queue.Config
	for _, node := range t.graph.Nodes() {
		if node.Kind != graph.KindQueue {
			continue
		}
		props := t.resolved(node)
		cfg := queue.Config{
			Name:              physicalName(node),
			FIFO:              boolProp(props, "FifoQueue"),
			VisibilityTimeout: time.Duration(intProp(props, "VisibilityTimeout")) * time.Second,
			DelaySeconds:      time.Duration(intProp(props, "DelaySeconds")) * time.Second,
		}
		if redrive := mapProp(props, "RedrivePolicy"); redrive != nil {
			if arn := strProp(redrive, "deadLetterTargetArn"); arn != "" {
				cfg.DeadLetter = nameFromArn(arn)
			}
			cfg.MaxReceiveCount = intProp(redrive, "maxReceiveCount")
		}
		out = append(out, cfg)
	}
	return out
}

func (t *translator) tableConfigs() []kvstore.TableConfig {
	var out []kvstore.TableConfig
	for _, node := range t.graph.Nodes() {
		if node.Kind != graph.KindKVTable {
			continue
		}
		props := t.resolved(node)
		types := attributeTypes(props)
		cfg := kvstore.TableConfig{Name: physicalName(node)}
		cfg.PartitionKey, cfg.SortKey = keySchema(listProp(props, "KeySchema"), types)
		for _, raw := range listProp(props, "GlobalSecondaryIndexes") {
			idx, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			def := kvstore.IndexDef{Name: strProp(idx, "IndexName")}
			def.PartitionKey, def.SortKey = keySchema(listProp(idx, "KeySchema"), types)
			cfg.Indexes = append(cfg.Indexes, def)
		}
		out = append(out, cfg)
	}
	return out
}

// attributeTypes indexes AttributeDefinitions by attribute name.
func attributeTypes(props map[string]interface{}) map[string]string {
	types := map[string]string{}
	for _, raw := range listProp(props, "AttributeDefinitions") {
		def, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		types[strProp(def, "AttributeName")] = strProp(def, "AttributeType")
	}
	return types
}

func keySchema(schema []interface{}, types map[string]string) (kvstore.KeyDef, *kvstore.KeyDef) {
	var pk kvstore.KeyDef
	var sk *kvstore.KeyDef
	for _, raw := range schema {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name := strProp(entry, "AttributeName")
		def := kvstore.KeyDef{Name: name, Type: types[name]}
		if def.Type == "" {
			def.Type = "S"
		}
		switch strProp(entry, "KeyType") {
		case "RANGE":
			copied := def
			sk = &copied
		default:
			pk = def
		}
	}
	return pk, sk
}

func (t *translator) bucketNames() []string {
	var out []string
	for _, node := range t.graph.Nodes() {
		if node.Kind == graph.KindBucket {
			out = append(out, physicalName(node))
		}
	}
	return out
}

func (t *translator) topicNames() []string {
	var out []string
	for _, node := range t.graph.Nodes() {
		if node.Kind == graph.KindTopic {
			out = append(out, physicalName(node))
		}
	}
	return out
}

func (t *translator) busNames() []string {
	var out []string
	for _, node := range t.graph.Nodes() {
		if node.Kind == graph.KindEventBus {
			out = append(out, physicalName(node))
		}
	}
	return out
}

func (t *translator) functionDefs() []*runtime.Function {
	var out []*runtime.Function
	for _, node := range t.graph.Nodes() {
		if node.Kind != graph.KindFunction {
			continue
		}
		props := t.resolved(node)
		fn := &runtime.Function{
			Name:     physicalName(node),
			Runtime:  strProp(props, "Runtime"),
			Handler:  strProp(props, "Handler"),
			MemoryMB: intProp(props, "MemorySize"),
			Timeout:  time.Duration(intProp(props, "Timeout")) * time.Second,
			Env:      map[string]string{},
		}
		if env := mapProp(props, "Environment"); env != nil {
			for k, v := range mapProp(env, "Variables") {
				fn.Env[k] = stringValue(v)
			}
		}
		if code := mapProp(props, "Code"); code != nil {
			fn.Image = strProp(code, "ImageUri")
			if key := strProp(code, "S3Key"); key != "" {
				hash := strings.TrimSuffix(key, ".zip")
				if path, ok := t.asm.AssetPath(hash); ok {
					fn.CodePath = path
				} else {
					logging.Warn(appSubsystem, "no asset found for function %s (key %s)", fn.Name, key)
				}
			}
		}
		out = append(out, fn)
	}
	return out
}

// gatewayAPIs builds every HTTP surface: v2 APIs from their route and
// integration resources, v1 APIs from their resource tree and methods, and
// function URLs.
func (t *translator) gatewayAPIs() []gateway.API {
	var out []gateway.API
	for _, node := range t.graph.Nodes() {
		switch node.Kind {
		case graph.KindGatewayV2:
			out = append(out, gateway.API{
				Name:    node.ID,
				Payload: gateway.PayloadV2,
				Routes:  t.v2Routes(node.ID),
			})
		case graph.KindGatewayV1:
			out = append(out, gateway.API{
				Name:    node.ID,
				Payload: gateway.PayloadV1,
				Routes:  t.v1Routes(node.ID),
			})
		case graph.KindFunctionURL:
			fnName := nameFromArn(strProp(t.resolved(node), "TargetFunctionArn"))
			out = append(out, gateway.FunctionURL(node.ID, fnName))
		}
	}
	return out
}

// v2Routes joins AWS::ApiGatewayV2::Route resources to their integrations.
// Integrations map to function names through their resolved URI.
func (t *translator) v2Routes(apiID string) []gateway.Route {
	integrations := map[string]string{} // integration logical ID -> function name
	for _, res := range t.asm.Resources {
		if res.Type != "AWS::ApiGatewayV2::Integration" || refTarget(res.Properties["ApiId"]) != apiID {
			continue
		}
		resolved, _ := t.resolver.Resolve(res.Properties).(map[string]interface{})
		if fn := functionFromURI(strProp(resolved, "IntegrationUri")); fn != "" {
			integrations[res.LogicalID] = fn
		}
	}

	var routes []gateway.Route
	for _, res := range t.asm.Resources {
		if res.Type != "AWS::ApiGatewayV2::Route" || refTarget(res.Properties["ApiId"]) != apiID {
			continue
		}
		resolved, _ := t.resolver.Resolve(res.Properties).(map[string]interface{})
		routeKey := strProp(resolved, "RouteKey")
		fn := integrations[refTarget(res.Properties["Target"])]
		if fn == "" {
			// Target may be the literal "integrations/<id>" form.
			if target := strProp(resolved, "Target"); target != "" {
				fn = integrations[strings.TrimPrefix(target, "integrations/")]
			}
		}
		if fn == "" {
			logging.Warn(appSubsystem, "route %s of api %s has no resolvable integration, skipping", routeKey, apiID)
			continue
		}
		method, path := splitRouteKey(routeKey)
		routes = append(routes, gateway.Route{Method: method, Path: path, Function: fn})
	}
	if len(routes) == 0 {
		logging.Warn(appSubsystem, "api %s declares no routes", apiID)
	}
	return routes
}

// v1Routes walks the REST API's resource tree to rebuild each method's full
// path, then binds it to the function named by the method's integration.
func (t *translator) v1Routes(apiID string) []gateway.Route {
	type restResource struct {
		parent   string
		pathPart string
	}
	tree := map[string]restResource{}
	for _, res := range t.asm.Resources {
		if res.Type != "AWS::ApiGateway::Resource" || refTarget(res.Properties["RestApiId"]) != apiID {
			continue
		}
		tree[res.LogicalID] = restResource{
			parent:   refTarget(res.Properties["ParentId"]),
			pathPart: stringValue(res.Properties["PathPart"]),
		}
	}

	var pathOf func(id string, depth int) string
	pathOf = func(id string, depth int) string {
		res, ok := tree[id]
		if !ok || depth > len(tree) {
			return ""
		}
		return pathOf(res.parent, depth+1) + "/" + res.pathPart
	}

	var routes []gateway.Route
	for _, res := range t.asm.Resources {
		if res.Type != "AWS::ApiGateway::Method" || refTarget(res.Properties["RestApiId"]) != apiID {
			continue
		}
		resolved, _ := t.resolver.Resolve(res.Properties).(map[string]interface{})
		integration := mapProp(resolved, "Integration")
		fn := functionFromURI(strProp(integration, "Uri"))
		if fn == "" {
			continue
		}
		path := pathOf(refTarget(res.Properties["ResourceId"]), 0)
		if path == "" {
			path = "/"
		}
		routes = append(routes, gateway.Route{
			Method:   strProp(resolved, "HttpMethod"),
			Path:     path,
			Function: fn,
		})
	}
	return routes
}

// splitRouteKey splits "GET /items/{id}" into its method and path. The
// "$default" key maps to a greedy catch-all.
func splitRouteKey(key string) (method, path string) {
	if key == "" || key == "$default" {
		return "ANY", "/{proxy+}"
	}
	parts := strings.SplitN(key, " ", 2)
	if len(parts) != 2 {
		return "ANY", "/" + strings.TrimPrefix(key, "/")
	}
	return parts[0], parts[1]
}

// functionFromURI extracts the function name from an invocation URI, which
// embeds the function arn.
func functionFromURI(uri string) string {
	marker := ":function:"
	i := strings.Index(uri, marker)
	if i < 0 {
		return ""
	}
	rest := uri[i+len(marker):]
	if j := strings.IndexAny(rest, "/:"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// nameFromArn returns the resource name segment of an arn: everything after
// the last ":" or "/".
func nameFromArn(arn string) string {
	if i := strings.LastIndexAny(arn, ":/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

// refTarget extracts the logical ID a raw property references, before
// intrinsic resolution.
func refTarget(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	if target, ok := m["Ref"].(string); ok {
		return target
	}
	switch att := m["Fn::GetAtt"].(type) {
	case []interface{}:
		if len(att) >= 1 {
			if id, ok := att[0].(string); ok {
				return id
			}
		}
	case string:
		if i := strings.IndexByte(att, '.'); i > 0 {
			return att[:i]
		}
		return att
	}
	return ""
}

func strProp(props map[string]interface{}, key string) string {
	if props == nil {
		return ""
	}
	s, _ := props[key].(string)
	return s
}

func boolProp(props map[string]interface{}, key string) bool {
	switch v := props[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "True"
	}
	return false
}

func intProp(props map[string]interface{}, key string) int {
	switch v := props[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return 0
}

func mapProp(props map[string]interface{}, key string) map[string]interface{} {
	if props == nil {
		return nil
	}
	m, _ := props[key].(map[string]interface{})
	return m
}

func listProp(props map[string]interface{}, key string) []interface{} {
	if props == nil {
		return nil
	}
	l, _ := props[key].([]interface{})
	return l
}

func stringValue(v interface{}) string {
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
