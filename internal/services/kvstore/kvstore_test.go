package kvstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localcloud/internal/eventsource"
)

func ordersTable() TableConfig {
	sk := KeyDef{Name: "itemId", Type: "S"}
	return TableConfig{
		Name:         "orders",
		PartitionKey: KeyDef{Name: "orderId", Type: "S"},
		SortKey:      &sk,
	}
}

func newTestProvider(t *testing.T, tables ...TableConfig) *Provider {
	t.Helper()
	p := NewProvider(t.TempDir(), tables, 0)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop(context.Background()) })
	return p
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t, ordersTable())

	item := Item{
		"orderId":  {"S": "o1"},
		"itemId":   {"S": "i1"},
		"quantity": {"N": "5"},
	}
	require.NoError(t, p.PutItem(ctx, "orders", item))

	got, err := p.GetItem(ctx, "orders", Item{"orderId": {"S": "o1"}, "itemId": {"S": "i1"}})
	require.NoError(t, err)
	assert.Equal(t, item, got)

	missing, err := p.GetItem(ctx, "orders", Item{"orderId": {"S": "o1"}, "itemId": {"S": "i9"}})
	require.NoError(t, err)
	assert.Nil(t, missing, "absent key returns the missing marker")
}

func TestPutReplacesExisting(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t, ordersTable())

	key := Item{"orderId": {"S": "o1"}, "itemId": {"S": "i1"}}
	first := Item{"orderId": {"S": "o1"}, "itemId": {"S": "i1"}, "quantity": {"N": "1"}}
	second := Item{"orderId": {"S": "o1"}, "itemId": {"S": "i1"}, "quantity": {"N": "2"}}
	require.NoError(t, p.PutItem(ctx, "orders", first))
	require.NoError(t, p.PutItem(ctx, "orders", second))

	got, err := p.GetItem(ctx, "orders", key)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestQueryPartitionInSortOrder(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t, ordersTable())

	for _, id := range []string{"i3", "i1", "i2"} {
		require.NoError(t, p.PutItem(ctx, "orders", Item{
			"orderId": {"S": "o1"}, "itemId": {"S": id},
		}))
	}
	require.NoError(t, p.PutItem(ctx, "orders", Item{
		"orderId": {"S": "o2"}, "itemId": {"S": "i1"},
	}))

	items, err := p.Query(ctx, "orders", AttributeValue{"S": "o1"}, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, items, 3)
	ids := []string{}
	for _, it := range items {
		ids = append(ids, it["itemId"]["S"].(string))
	}
	assert.Equal(t, []string{"i1", "i2", "i3"}, ids)

	desc, err := p.Query(ctx, "orders", AttributeValue{"S": "o1"}, QueryOptions{Descending: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, desc, 1)
	assert.Equal(t, "i3", desc[0]["itemId"]["S"])
}

func TestQuerySortConditions(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t, ordersTable())
	for _, id := range []string{"a-1", "a-10", "b-1"} {
		require.NoError(t, p.PutItem(ctx, "orders", Item{
			"orderId": {"S": "o1"}, "itemId": {"S": id},
		}))
	}

	eq := AttributeValue{"S": "a-1"}
	exact, err := p.Query(ctx, "orders", AttributeValue{"S": "o1"}, QueryOptions{SortEquals: &eq})
	require.NoError(t, err)
	require.Len(t, exact, 1, "equality must not match a-10")

	prefix := AttributeValue{"S": "a-"}
	prefixed, err := p.Query(ctx, "orders", AttributeValue{"S": "o1"}, QueryOptions{SortPrefix: &prefix})
	require.NoError(t, err)
	assert.Len(t, prefixed, 2)
}

func TestSecondaryIndex(t *testing.T) {
	ctx := context.Background()
	cfg := ordersTable()
	cfg.Indexes = []IndexDef{{Name: "by-status", PartitionKey: KeyDef{Name: "status", Type: "S"}}}
	p := newTestProvider(t, cfg)

	require.NoError(t, p.PutItem(ctx, "orders", Item{
		"orderId": {"S": "o1"}, "itemId": {"S": "i1"}, "status": {"S": "open"},
	}))
	require.NoError(t, p.PutItem(ctx, "orders", Item{
		"orderId": {"S": "o2"}, "itemId": {"S": "i1"}, "status": {"S": "closed"},
	}))

	open, err := p.Query(ctx, "orders", AttributeValue{"S": "open"}, QueryOptions{IndexName: "by-status"})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "o1", open[0]["orderId"]["S"])

	// Rewriting the item moves it between index partitions.
	require.NoError(t, p.PutItem(ctx, "orders", Item{
		"orderId": {"S": "o1"}, "itemId": {"S": "i1"}, "status": {"S": "closed"},
	}))
	open, err = p.Query(ctx, "orders", AttributeValue{"S": "open"}, QueryOptions{IndexName: "by-status"})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestStreamRecords(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t, ordersTable())

	records := make(chan string, 10)
	p.Streams().Register("capture", eventsource.Selector{}, func(ctx context.Context, ev eventsource.Event) error {
		records <- ev.Type
		return nil
	})

	item := Item{"orderId": {"S": "o1"}, "itemId": {"S": "i1"}}
	require.NoError(t, p.PutItem(ctx, "orders", item))
	assert.Equal(t, "INSERT", <-records)

	require.NoError(t, p.PutItem(ctx, "orders", item))
	assert.Equal(t, "MODIFY", <-records)

	_, err := p.DeleteItem(ctx, "orders", item)
	require.NoError(t, err)
	assert.Equal(t, "REMOVE", <-records)
}

func postTarget(t *testing.T, h http.Handler, op, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("X-Amz-Target", targetPrefix+"."+op)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWireRoundTrip(t *testing.T) {
	p := newTestProvider(t)
	h := NewSurface(p).Handler()

	w := postTarget(t, h, "CreateTable", `{
		"TableName": "orders",
		"KeySchema": [
			{"AttributeName": "orderId", "KeyType": "HASH"},
			{"AttributeName": "itemId", "KeyType": "RANGE"}
		],
		"AttributeDefinitions": [
			{"AttributeName": "orderId", "AttributeType": "S"},
			{"AttributeName": "itemId", "AttributeType": "S"}
		]
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = postTarget(t, h, "PutItem", `{
		"TableName": "orders",
		"Item": {"orderId": {"S": "o1"}, "itemId": {"S": "i1"}, "quantity": {"N": "5"}}
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = postTarget(t, h, "GetItem", `{
		"TableName": "orders",
		"Key": {"orderId": {"S": "o1"}, "itemId": {"S": "i1"}}
	}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Item Item `json:"Item"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "5", resp.Item["quantity"]["N"])

	w = postTarget(t, h, "GetItem", `{
		"TableName": "orders",
		"Key": {"orderId": {"S": "o1"}, "itemId": {"S": "i9"}}
	}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"Item"`, "missing key returns no Item")

	w = postTarget(t, h, "GetItem", `{"TableName": "ghost", "Key": {"orderId": {"S": "x"}}}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "ResourceNotFoundException")
}

func TestWireUpdateItem(t *testing.T) {
	p := newTestProvider(t, ordersTable())
	h := NewSurface(p).Handler()

	w := postTarget(t, h, "PutItem", `{
		"TableName": "orders",
		"Item": {"orderId": {"S": "o1"}, "itemId": {"S": "i1"}, "quantity": {"N": "5"}, "note": {"S": "x"}}
	}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = postTarget(t, h, "UpdateItem", `{
		"TableName": "orders",
		"Key": {"orderId": {"S": "o1"}, "itemId": {"S": "i1"}},
		"UpdateExpression": "SET quantity = :q, #st = :s REMOVE note",
		"ExpressionAttributeValues": {":q": {"N": "9"}, ":s": {"S": "open"}},
		"ExpressionAttributeNames": {"#st": "status"},
		"ReturnValues": "ALL_NEW"
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Attributes Item `json:"Attributes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "9", resp.Attributes["quantity"]["N"])
	assert.Equal(t, "open", resp.Attributes["status"]["S"])
	assert.NotContains(t, resp.Attributes, "note")
}

func TestEventualConsistencyDelay(t *testing.T) {
	p := NewProvider(t.TempDir(), []TableConfig{ordersTable()}, 100*time.Millisecond)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	records := make(chan struct{}, 1)
	p.Streams().Register("capture", eventsource.Selector{}, func(ctx context.Context, ev eventsource.Event) error {
		records <- struct{}{}
		return nil
	})

	start := time.Now()
	require.NoError(t, p.PutItem(context.Background(), "orders", Item{
		"orderId": {"S": "o1"}, "itemId": {"S": "i1"},
	}))
	<-records
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}
