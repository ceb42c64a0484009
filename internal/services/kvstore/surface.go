package kvstore

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"localcloud/internal/api"
	"localcloud/internal/dispatch"
)

const targetPrefix = "DynamoDB_20120810"

// Surface serves the key-value store's JSON-target dialect.
type Surface struct {
	provider *Provider
}

func NewSurface(p *Provider) *Surface {
	return &Surface{provider: p}
}

// Handler builds the HTTP handler with the full operation table.
func (s *Surface) Handler() http.Handler {
	mux := dispatch.NewJSONTargetMux(targetPrefix)
	mux.Handle("CreateTable", s.createTable)
	mux.Handle("DeleteTable", s.deleteTable)
	mux.Handle("ListTables", s.listTables)
	mux.Handle("DescribeTable", s.describeTable)
	mux.Handle("PutItem", s.putItem)
	mux.Handle("GetItem", s.getItem)
	mux.Handle("DeleteItem", s.deleteItem)
	mux.Handle("UpdateItem", s.updateItem)
	mux.Handle("Query", s.query)
	mux.Handle("Scan", s.scan)
	return mux
}

// decode re-marshals the dispatcher's generic body into a typed request.
func decode(body map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return api.NewValidation("SerializationException", "unreadable request: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return api.NewValidation("SerializationException", "malformed request: %v", err)
	}
	return nil
}

type keySchemaElement struct {
	AttributeName string `json:"AttributeName"`
	KeyType       string `json:"KeyType"` // HASH or RANGE
}

type attributeDefinition struct {
	AttributeName string `json:"AttributeName"`
	AttributeType string `json:"AttributeType"`
}

func keysFromSchema(schema []keySchemaElement, defs []attributeDefinition) (KeyDef, *KeyDef, error) {
	attrType := func(name string) string {
		for _, d := range defs {
			if d.AttributeName == name {
				return d.AttributeType
			}
		}
		return "S"
	}
	var pk KeyDef
	var sk *KeyDef
	for _, el := range schema {
		switch el.KeyType {
		case "HASH":
			pk = KeyDef{Name: el.AttributeName, Type: attrType(el.AttributeName)}
		case "RANGE":
			sk = &KeyDef{Name: el.AttributeName, Type: attrType(el.AttributeName)}
		default:
			return pk, nil, api.NewValidation("", "unknown key type %q", el.KeyType)
		}
	}
	if pk.Name == "" {
		return pk, nil, api.NewValidation("", "key schema requires a HASH key")
	}
	return pk, sk, nil
}

func (s *Surface) createTable(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		TableName              string                `json:"TableName"`
		KeySchema              []keySchemaElement    `json:"KeySchema"`
		AttributeDefinitions   []attributeDefinition `json:"AttributeDefinitions"`
		GlobalSecondaryIndexes []struct {
			IndexName string             `json:"IndexName"`
			KeySchema []keySchemaElement `json:"KeySchema"`
		} `json:"GlobalSecondaryIndexes"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	pk, sk, err := keysFromSchema(req.KeySchema, req.AttributeDefinitions)
	if err != nil {
		return nil, err
	}
	cfg := TableConfig{Name: req.TableName, PartitionKey: pk, SortKey: sk}
	for _, gsi := range req.GlobalSecondaryIndexes {
		ipk, isk, err := keysFromSchema(gsi.KeySchema, req.AttributeDefinitions)
		if err != nil {
			return nil, err
		}
		cfg.Indexes = append(cfg.Indexes, IndexDef{Name: gsi.IndexName, PartitionKey: ipk, SortKey: isk})
	}
	if err := s.provider.CreateTable(cfg); err != nil {
		return nil, err
	}
	return s.tableDescription(req.TableName)
}

func (s *Surface) tableDescription(name string) (interface{}, error) {
	cfg, err := s.provider.TableConfigFor(name)
	if err != nil {
		return nil, err
	}
	schema := []keySchemaElement{{AttributeName: cfg.PartitionKey.Name, KeyType: "HASH"}}
	if cfg.SortKey != nil {
		schema = append(schema, keySchemaElement{AttributeName: cfg.SortKey.Name, KeyType: "RANGE"})
	}
	return map[string]interface{}{
		"TableDescription": map[string]interface{}{
			"TableName":   cfg.Name,
			"TableStatus": "ACTIVE",
			"TableArn":    s.provider.TableArn(cfg.Name),
			"KeySchema":   schema,
		},
	}, nil
}

func (s *Surface) deleteTable(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	name, _ := body["TableName"].(string)
	desc, err := s.tableDescription(name)
	if err != nil {
		return nil, err
	}
	if err := s.provider.DeleteTable(name); err != nil {
		return nil, err
	}
	return desc, nil
}

func (s *Surface) listTables(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"TableNames": s.provider.ListTables()}, nil
}

func (s *Surface) describeTable(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	name, _ := body["TableName"].(string)
	desc, err := s.tableDescription(name)
	if err != nil {
		return nil, err
	}
	// DescribeTable wraps the same shape under Table.
	return map[string]interface{}{"Table": desc.(map[string]interface{})["TableDescription"]}, nil
}

func (s *Surface) putItem(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		TableName string `json:"TableName"`
		Item      Item   `json:"Item"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.Item == nil {
		return nil, api.NewValidation("", "Item is required")
	}
	if err := s.provider.PutItem(ctx, req.TableName, req.Item); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

func (s *Surface) getItem(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		TableName string `json:"TableName"`
		Key       Item   `json:"Key"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	item, err := s.provider.GetItem(ctx, req.TableName, req.Key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		// Missing item: an empty body with no Item key.
		return map[string]interface{}{}, nil
	}
	return map[string]interface{}{"Item": item}, nil
}

func (s *Surface) deleteItem(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		TableName    string `json:"TableName"`
		Key          Item   `json:"Key"`
		ReturnValues string `json:"ReturnValues"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	old, err := s.provider.DeleteItem(ctx, req.TableName, req.Key)
	if err != nil {
		return nil, err
	}
	if req.ReturnValues == "ALL_OLD" && old != nil {
		return map[string]interface{}{"Attributes": old}, nil
	}
	return map[string]interface{}{}, nil
}

func (s *Surface) updateItem(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		TableName                 string                    `json:"TableName"`
		Key                       Item                      `json:"Key"`
		UpdateExpression          string                    `json:"UpdateExpression"`
		ExpressionAttributeValues map[string]AttributeValue `json:"ExpressionAttributeValues"`
		ExpressionAttributeNames  map[string]string         `json:"ExpressionAttributeNames"`
		ReturnValues              string                    `json:"ReturnValues"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	item, err := s.provider.GetItem(ctx, req.TableName, req.Key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		// Update on a missing item creates it from the key.
		item = Item{}
		for k, v := range req.Key {
			item[k] = v
		}
	}
	if err := applyUpdateExpression(item, req.UpdateExpression, req.ExpressionAttributeValues, req.ExpressionAttributeNames); err != nil {
		return nil, err
	}
	if err := s.provider.PutItem(ctx, req.TableName, item); err != nil {
		return nil, err
	}
	if req.ReturnValues == "ALL_NEW" {
		return map[string]interface{}{"Attributes": item}, nil
	}
	return map[string]interface{}{}, nil
}

// applyUpdateExpression supports the SET and REMOVE clauses with top-level
// attribute paths, which covers what local development clients send.
func applyUpdateExpression(item Item, expr string, values map[string]AttributeValue, names map[string]string) error {
	if strings.TrimSpace(expr) == "" {
		return api.NewValidation("", "UpdateExpression is required")
	}
	resolveName := func(name string) string {
		if strings.HasPrefix(name, "#") {
			if resolved, ok := names[name]; ok {
				return resolved
			}
		}
		return name
	}

	for _, clause := range splitClauses(expr) {
		keyword, rest, _ := strings.Cut(clause, " ")
		switch strings.ToUpper(keyword) {
		case "SET":
			for _, assignment := range strings.Split(rest, ",") {
				target, ref, ok := strings.Cut(assignment, "=")
				if !ok {
					return api.NewValidation("", "malformed SET assignment %q", assignment)
				}
				ref = strings.TrimSpace(ref)
				value, ok := values[ref]
				if !ok {
					return api.NewValidation("", "undefined expression value %q", ref)
				}
				item[resolveName(strings.TrimSpace(target))] = value
			}
		case "REMOVE":
			for _, name := range strings.Split(rest, ",") {
				delete(item, resolveName(strings.TrimSpace(name)))
			}
		default:
			return api.NewValidation("", "unsupported update clause %q", keyword)
		}
	}
	return nil
}

// splitClauses breaks an update expression into its keyword-led clauses.
func splitClauses(expr string) []string {
	fields := strings.Fields(expr)
	var clauses []string
	var current []string
	for _, f := range fields {
		switch strings.ToUpper(f) {
		case "SET", "REMOVE", "ADD", "DELETE":
			if len(current) > 0 {
				clauses = append(clauses, strings.Join(current, " "))
			}
			current = []string{f}
		default:
			current = append(current, f)
		}
	}
	if len(current) > 0 {
		clauses = append(clauses, strings.Join(current, " "))
	}
	return clauses
}

func (s *Surface) query(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		TableName                 string                    `json:"TableName"`
		IndexName                 string                    `json:"IndexName"`
		KeyConditionExpression    string                    `json:"KeyConditionExpression"`
		ExpressionAttributeValues map[string]AttributeValue `json:"ExpressionAttributeValues"`
		ExpressionAttributeNames  map[string]string         `json:"ExpressionAttributeNames"`
		ScanIndexForward          *bool                     `json:"ScanIndexForward"`
		Limit                     int                       `json:"Limit"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}

	partition, opts, err := parseKeyCondition(req.KeyConditionExpression, req.ExpressionAttributeValues, req.ExpressionAttributeNames)
	if err != nil {
		return nil, err
	}
	opts.IndexName = req.IndexName
	opts.Limit = req.Limit
	if req.ScanIndexForward != nil && !*req.ScanIndexForward {
		opts.Descending = true
	}

	items, err := s.provider.Query(ctx, req.TableName, partition, opts)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"Items": items, "Count": len(items)}, nil
}

// parseKeyCondition accepts the common condition shapes:
// "pk = :p", "pk = :p AND sk = :s" and "pk = :p AND begins_with(sk, :s)".
func parseKeyCondition(expr string, values map[string]AttributeValue, names map[string]string) (AttributeValue, QueryOptions, error) {
	var opts QueryOptions
	if strings.TrimSpace(expr) == "" {
		return nil, opts, api.NewValidation("", "KeyConditionExpression is required")
	}
	valueFor := func(ref string) (AttributeValue, error) {
		v, ok := values[strings.TrimSpace(ref)]
		if !ok {
			return nil, api.NewValidation("", "undefined expression value %q", ref)
		}
		return v, nil
	}

	parts := strings.SplitN(expr, " AND ", 2)
	_, pkRef, ok := strings.Cut(parts[0], "=")
	if !ok {
		return nil, opts, api.NewValidation("", "key condition must start with a partition equality, got %q", parts[0])
	}
	partition, err := valueFor(pkRef)
	if err != nil {
		return nil, opts, err
	}
	if len(parts) == 1 {
		return partition, opts, nil
	}

	cond := strings.TrimSpace(parts[1])
	switch {
	case strings.HasPrefix(cond, "begins_with"):
		inner := strings.TrimSuffix(strings.TrimPrefix(cond, "begins_with"), ")")
		inner = strings.TrimPrefix(strings.TrimSpace(inner), "(")
		args := strings.SplitN(inner, ",", 2)
		if len(args) != 2 {
			return nil, opts, api.NewValidation("", "malformed begins_with condition %q", cond)
		}
		prefix, err := valueFor(args[1])
		if err != nil {
			return nil, opts, err
		}
		opts.SortPrefix = &prefix
	case strings.Contains(cond, "="):
		_, skRef, _ := strings.Cut(cond, "=")
		exact, err := valueFor(skRef)
		if err != nil {
			return nil, opts, err
		}
		opts.SortEquals = &exact
	default:
		return nil, opts, api.NewValidation("", "unsupported sort key condition %q", cond)
	}
	return partition, opts, nil
}

func (s *Surface) scan(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	var req struct {
		TableName string `json:"TableName"`
		Limit     int    `json:"Limit"`
	}
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	items, err := s.provider.Scan(ctx, req.TableName, req.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"Items": items, "Count": len(items)}, nil
}
