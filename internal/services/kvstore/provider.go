package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"localcloud/internal/api"
	"localcloud/internal/eventsource"
	"localcloud/internal/intrinsics"
	"localcloud/internal/provider"
	"localcloud/pkg/logging"
)

const kvSubsystem = "KVStore"

// AttributeValue is the wire attribute encoding, e.g. {"S": "o1"} or
// {"N": "5"}. It is stored verbatim; only key attributes are interpreted.
type AttributeValue map[string]interface{}

// Item is a full wire item keyed by attribute name.
type Item map[string]AttributeValue

// KeyDef names one key attribute.
type KeyDef struct {
	Name string
	Type string // attribute type letter: S, N or B
}

// IndexDef declares a secondary index.
type IndexDef struct {
	Name         string
	PartitionKey KeyDef
	SortKey      *KeyDef
}

// TableConfig declares one table.
type TableConfig struct {
	Name         string
	PartitionKey KeyDef
	SortKey      *KeyDef
	Indexes      []IndexDef
}

const tableSchema = `
CREATE TABLE IF NOT EXISTS items (
	pk   TEXT NOT NULL,
	sk   TEXT NOT NULL DEFAULT '',
	item TEXT NOT NULL,
	PRIMARY KEY (pk, sk)
);
`

const indexSchemaTemplate = `
CREATE TABLE IF NOT EXISTS %q (
	ipk  TEXT NOT NULL,
	isk  TEXT NOT NULL DEFAULT '',
	pk   TEXT NOT NULL,
	sk   TEXT NOT NULL DEFAULT '',
	item TEXT NOT NULL,
	PRIMARY KEY (ipk, isk, pk, sk)
);
`

type tableState struct {
	cfg TableConfig
	db  *sqlx.DB
}

// Provider emulates the key-value store. Each table lives in its own
// embedded database file: one items table plus one table per secondary
// index.
type Provider struct {
	*provider.Base
	dataDir string

	// streams feeds item-level change records to registered handlers,
	// after the configured eventual-consistency delay.
	streams     *eventsource.Dispatcher
	streamDelay time.Duration

	mu       sync.Mutex
	tables   map[string]*tableState
	declared []TableConfig
}

func NewProvider(dataDir string, declared []TableConfig, streamDelay time.Duration) *Provider {
	return &Provider{
		Base:        provider.NewBase("kvstore"),
		dataDir:     dataDir,
		declared:    declared,
		streamDelay: streamDelay,
		streams:     eventsource.NewDispatcher(),
		tables:      make(map[string]*tableState),
	}
}

// Streams exposes the change-record dispatcher for event-source wiring.
func (p *Provider) Streams() *eventsource.Dispatcher { return p.streams }

func (p *Provider) Start(ctx context.Context) error {
	return p.RunStart(ctx, func(ctx context.Context) error {
		if err := os.MkdirAll(p.dataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create kv data dir: %w", err)
		}
		for _, cfg := range p.declared {
			if err := p.CreateTable(cfg); err != nil && !api.IsConflict(err) {
				return err
			}
		}
		logging.Info(kvSubsystem, "kv provider started with %d table(s)", len(p.tables))
		return nil
	})
}

func (p *Provider) Stop(ctx context.Context) error {
	return p.RunStop(ctx, func(ctx context.Context) error {
		p.streams.Drain()
		p.mu.Lock()
		defer p.mu.Unlock()
		for name, t := range p.tables {
			if err := t.db.Close(); err != nil {
				logging.Error(kvSubsystem, err, "failed to close database for table %s", name)
			}
		}
		p.tables = make(map[string]*tableState)
		return nil
	})
}

func (p *Provider) HealthCheck(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tables {
		if err := t.db.PingContext(ctx); err != nil {
			return false
		}
	}
	return true
}

// Reset drops every item but keeps the tables.
func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.tables {
		if _, err := t.db.ExecContext(ctx, `DELETE FROM items`); err != nil {
			return fmt.Errorf("failed to reset table %s: %w", name, err)
		}
		for _, idx := range t.cfg.Indexes {
			if _, err := t.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q`, indexTable(idx.Name))); err != nil {
				return fmt.Errorf("failed to reset index %s on %s: %w", idx.Name, name, err)
			}
		}
	}
	return nil
}

func indexTable(name string) string { return "idx_" + name }

// CreateTable registers a table and prepares its schema.
func (p *Provider) CreateTable(cfg TableConfig) error {
	if cfg.Name == "" || cfg.PartitionKey.Name == "" {
		return api.NewValidation("", "table requires a name and a partition key")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tables[cfg.Name]; exists {
		return api.NewConflict("table", cfg.Name)
	}

	db, err := sqlx.Open("sqlite3", filepath.Join(p.dataDir, cfg.Name+".db"))
	if err != nil {
		return fmt.Errorf("failed to open database for table %s: %w", cfg.Name, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(tableSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to prepare schema for table %s: %w", cfg.Name, err)
	}
	for _, idx := range cfg.Indexes {
		if _, err := db.Exec(fmt.Sprintf(indexSchemaTemplate, indexTable(idx.Name))); err != nil {
			db.Close()
			return fmt.Errorf("failed to prepare index %s on table %s: %w", idx.Name, cfg.Name, err)
		}
	}
	p.tables[cfg.Name] = &tableState{cfg: cfg, db: db}
	logging.Debug(kvSubsystem, "table %s created (pk=%s)", cfg.Name, cfg.PartitionKey.Name)
	return nil
}

// DeleteTable closes and removes a table and its database file.
func (p *Provider) DeleteTable(name string) error {
	p.mu.Lock()
	t, ok := p.tables[name]
	if ok {
		delete(p.tables, name)
	}
	p.mu.Unlock()
	if !ok {
		return api.NewNotFound("table", name)
	}
	t.db.Close()
	return os.Remove(filepath.Join(p.dataDir, name+".db"))
}

// ListTables returns table names in sorted order.
func (p *Provider) ListTables() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.tables))
	for name := range p.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TableConfigFor exposes the declared shape of a table.
func (p *Provider) TableConfigFor(name string) (TableConfig, error) {
	t, err := p.get(name)
	if err != nil {
		return TableConfig{}, err
	}
	return t.cfg, nil
}

// TableArn returns the stand-in arn for a table name.
func (p *Provider) TableArn(name string) string {
	return fmt.Sprintf("arn:%s:dynamodb:%s:%s:table/%s",
		intrinsics.LocalPartition, intrinsics.LocalRegion, intrinsics.LocalAccountID, name)
}

func (p *Provider) get(name string) (*tableState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tables[name]
	if !ok {
		return nil, api.NewNotFound("table", name)
	}
	return t, nil
}

// keyString flattens a wire attribute value into a comparable storage key,
// keeping the type letter so "5" the string never collides with 5 the
// number.
func keyString(av AttributeValue) (string, error) {
	for _, letter := range []string{"S", "N", "B"} {
		if v, ok := av[letter]; ok {
			return fmt.Sprintf("%s#%v", letter, v), nil
		}
	}
	return "", api.NewValidation("", "key attribute must be of type S, N or B")
}

// itemKeys extracts the storage keys for an item against a key schema.
func itemKeys(item Item, pk KeyDef, sk *KeyDef) (string, string, error) {
	pkAttr, ok := item[pk.Name]
	if !ok {
		return "", "", api.NewValidation("", "item is missing partition key attribute %q", pk.Name)
	}
	pkVal, err := keyString(pkAttr)
	if err != nil {
		return "", "", err
	}
	if sk == nil {
		return pkVal, "", nil
	}
	skAttr, ok := item[sk.Name]
	if !ok {
		return "", "", api.NewValidation("", "item is missing sort key attribute %q", sk.Name)
	}
	skVal, err := keyString(skAttr)
	if err != nil {
		return "", "", err
	}
	return pkVal, skVal, nil
}

// PutItem stores an item, replacing any existing item with the same key,
// and emits a stream record.
func (p *Provider) PutItem(ctx context.Context, table string, item Item) error {
	t, err := p.get(table)
	if err != nil {
		return err
	}
	pk, sk, err := itemKeys(item, t.cfg.PartitionKey, t.cfg.SortKey)
	if err != nil {
		return err
	}
	old, _ := p.getRaw(ctx, t, pk, sk)

	encoded, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode item: %w", err)
	}
	_, err = t.db.ExecContext(ctx,
		`INSERT INTO items (pk, sk, item) VALUES (?, ?, ?)
		 ON CONFLICT(pk, sk) DO UPDATE SET item = excluded.item`,
		pk, sk, string(encoded))
	if err != nil {
		return fmt.Errorf("put failed on table %s: %w", table, err)
	}
	if err := p.maintainIndexes(ctx, t, pk, sk, item); err != nil {
		return err
	}

	eventType := "INSERT"
	if old != nil {
		eventType = "MODIFY"
	}
	p.emitStreamRecord(ctx, t, eventType, item, old)
	return nil
}

// GetItem fetches an item by full key. A missing item returns nil with no
// error, the wire layer's missing marker.
func (p *Provider) GetItem(ctx context.Context, table string, key Item) (Item, error) {
	t, err := p.get(table)
	if err != nil {
		return nil, err
	}
	pk, sk, err := itemKeys(key, t.cfg.PartitionKey, t.cfg.SortKey)
	if err != nil {
		return nil, err
	}
	return p.getRaw(ctx, t, pk, sk)
}

func (p *Provider) getRaw(ctx context.Context, t *tableState, pk, sk string) (Item, error) {
	var raw string
	err := t.db.GetContext(ctx, &raw, `SELECT item FROM items WHERE pk = ? AND sk = ?`, pk, sk)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get failed on table %s: %w", t.cfg.Name, err)
	}
	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("corrupt item in table %s: %w", t.cfg.Name, err)
	}
	return item, nil
}

// DeleteItem removes an item by full key and emits a stream record. Absent
// items delete as a no-op.
func (p *Provider) DeleteItem(ctx context.Context, table string, key Item) (Item, error) {
	t, err := p.get(table)
	if err != nil {
		return nil, err
	}
	pk, sk, err := itemKeys(key, t.cfg.PartitionKey, t.cfg.SortKey)
	if err != nil {
		return nil, err
	}
	old, err := p.getRaw(ctx, t, pk, sk)
	if err != nil {
		return nil, err
	}
	if _, err := t.db.ExecContext(ctx, `DELETE FROM items WHERE pk = ? AND sk = ?`, pk, sk); err != nil {
		return nil, fmt.Errorf("delete failed on table %s: %w", table, err)
	}
	for _, idx := range t.cfg.Indexes {
		query := fmt.Sprintf(`DELETE FROM %q WHERE pk = ? AND sk = ?`, indexTable(idx.Name))
		if _, err := t.db.ExecContext(ctx, query, pk, sk); err != nil {
			return nil, fmt.Errorf("index cleanup failed on table %s: %w", table, err)
		}
	}
	if old != nil {
		p.emitStreamRecord(ctx, t, "REMOVE", nil, old)
	}
	return old, nil
}

// QueryOptions narrow a partition query.
type QueryOptions struct {
	IndexName string
	// SortEquals keeps only the item whose sort key equals the value.
	SortEquals *AttributeValue
	// SortPrefix keeps items whose sort key begins with the value.
	SortPrefix *AttributeValue
	Limit      int
	Descending bool
}

// Query returns the items of one partition in sort-key order.
func (p *Provider) Query(ctx context.Context, table string, partition AttributeValue, opts QueryOptions) ([]Item, error) {
	t, err := p.get(table)
	if err != nil {
		return nil, err
	}
	pkVal, err := keyString(partition)
	if err != nil {
		return nil, err
	}

	from := "items"
	pkCol, skCol := "pk", "sk"
	if opts.IndexName != "" {
		found := false
		for _, idx := range t.cfg.Indexes {
			if idx.Name == opts.IndexName {
				found = true
				break
			}
		}
		if !found {
			return nil, api.NewNotFound("index", opts.IndexName)
		}
		from = indexTable(opts.IndexName)
		pkCol, skCol = "ipk", "isk"
	}

	order := "ASC"
	if opts.Descending {
		order = "DESC"
	}
	query := fmt.Sprintf(`SELECT item FROM %q WHERE %s = ?`, from, pkCol)
	args := []interface{}{pkVal}
	if opts.SortEquals != nil {
		exact, err := keyString(*opts.SortEquals)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(` AND %s = ?`, skCol)
		args = append(args, exact)
	} else if opts.SortPrefix != nil {
		prefix, err := keyString(*opts.SortPrefix)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(` AND %s LIKE ? ESCAPE '\'`, skCol)
		args = append(args, escapeLike(prefix)+"%")
	}
	query += fmt.Sprintf(` ORDER BY %s %s`, skCol, order)
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	var raws []string
	if err := t.db.SelectContext(ctx, &raws, query, args...); err != nil {
		return nil, fmt.Errorf("query failed on table %s: %w", table, err)
	}
	return decodeItems(table, raws)
}

// Scan returns every item in the table.
func (p *Provider) Scan(ctx context.Context, table string, limit int) ([]Item, error) {
	t, err := p.get(table)
	if err != nil {
		return nil, err
	}
	query := `SELECT item FROM items ORDER BY pk, sk`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var raws []string
	if err := t.db.SelectContext(ctx, &raws, query, args...); err != nil {
		return nil, fmt.Errorf("scan failed on table %s: %w", table, err)
	}
	return decodeItems(table, raws)
}

func decodeItems(table string, raws []string) ([]Item, error) {
	items := make([]Item, 0, len(raws))
	for _, raw := range raws {
		var item Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("corrupt item in table %s: %w", table, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// maintainIndexes rewrites the index rows for one item. Items missing an
// index's partition key simply do not appear in that index.
func (p *Provider) maintainIndexes(ctx context.Context, t *tableState, pk, sk string, item Item) error {
	for _, idx := range t.cfg.Indexes {
		query := fmt.Sprintf(`DELETE FROM %q WHERE pk = ? AND sk = ?`, indexTable(idx.Name))
		if _, err := t.db.ExecContext(ctx, query, pk, sk); err != nil {
			return fmt.Errorf("index maintenance failed on %s: %w", idx.Name, err)
		}
		ipkAttr, ok := item[idx.PartitionKey.Name]
		if !ok {
			continue
		}
		ipk, err := keyString(ipkAttr)
		if err != nil {
			continue
		}
		isk := ""
		if idx.SortKey != nil {
			if iskAttr, ok := item[idx.SortKey.Name]; ok {
				if isk, err = keyString(iskAttr); err != nil {
					continue
				}
			}
		}
		encoded, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to encode item for index %s: %w", idx.Name, err)
		}
		insert := fmt.Sprintf(`INSERT INTO %q (ipk, isk, pk, sk, item) VALUES (?, ?, ?, ?, ?)`, indexTable(idx.Name))
		if _, err := t.db.ExecContext(ctx, insert, ipk, isk, pk, sk, string(encoded)); err != nil {
			return fmt.Errorf("index maintenance failed on %s: %w", idx.Name, err)
		}
	}
	return nil
}

// emitStreamRecord dispatches a change record after the configured
// eventual-consistency delay so handlers observe the store the way a
// remote stream consumer would.
func (p *Provider) emitStreamRecord(ctx context.Context, t *tableState, eventType string, newImage, oldImage Item) {
	record := map[string]interface{}{
		"eventName":   eventType,
		"eventSource": "aws:dynamodb",
		"tableName":   t.cfg.Name,
		"dynamodb": map[string]interface{}{
			"NewImage": newImage,
			"OldImage": oldImage,
		},
	}
	payload, err := json.Marshal(record)
	if err != nil {
		logging.Error(kvSubsystem, err, "failed to encode stream record for table %s", t.cfg.Name)
		return
	}
	delay := p.streamDelay
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		p.streams.Dispatch(ctx, eventsource.Event{
			Type:    eventType,
			Key:     t.cfg.Name,
			Payload: payload,
		})
	}()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
