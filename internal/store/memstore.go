package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/1benisin/brickops-sub002/internal/model"
)

// Mem is an in-memory Store. Transactions run against a deep copy of the
// state and commit by swapping it in, so a failed fn leaves nothing behind.
// It backs the test suite and the dev-mode deployment.
type Mem struct {
	mu sync.Mutex
	s  *memState
}

type memState struct {
	items         map[string]*model.InventoryItem // tenant|item
	qledger       map[string][]*model.QuantityLedgerEntry
	lledger       map[string][]*model.LocationLedgerEntry
	outbox        map[string]*model.OutboxMessage
	catalogOutbox map[string]*model.CatalogRefreshMessage
	buckets       map[string]*model.RateLimitBucket // tenant|provider
	parts         map[string]*model.Part
	colors        map[string]*model.Color
	categories    map[string]*model.Category
	partColors    map[string]*model.PartColor
	partPrices    map[string]*model.PartPrice
	credentials   map[string]*model.TenantCredentials // tenant|provider
	webhooks      map[string]*model.WebhookEvent
}

// NewMem creates an empty in-memory store.
func NewMem() *Mem {
	return &Mem{s: newMemState()}
}

func newMemState() *memState {
	return &memState{
		items:         make(map[string]*model.InventoryItem),
		qledger:       make(map[string][]*model.QuantityLedgerEntry),
		lledger:       make(map[string][]*model.LocationLedgerEntry),
		outbox:        make(map[string]*model.OutboxMessage),
		catalogOutbox: make(map[string]*model.CatalogRefreshMessage),
		buckets:       make(map[string]*model.RateLimitBucket),
		parts:         make(map[string]*model.Part),
		colors:        make(map[string]*model.Color),
		categories:    make(map[string]*model.Category),
		partColors:    make(map[string]*model.PartColor),
		partPrices:    make(map[string]*model.PartPrice),
		credentials:   make(map[string]*model.TenantCredentials),
		webhooks:      make(map[string]*model.WebhookEvent),
	}
}

// WithTx runs fn against a snapshot and commits it on success.
func (m *Mem) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := m.s.clone()
	if err := fn(&memTx{s: staged}); err != nil {
		return err
	}
	m.s = staged
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Mem) Close() error { return nil }

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.items {
		c.items[k] = cloneItem(v)
	}
	for k, v := range s.qledger {
		c.qledger[k] = append([]*model.QuantityLedgerEntry(nil), v...)
	}
	for k, v := range s.lledger {
		c.lledger[k] = append([]*model.LocationLedgerEntry(nil), v...)
	}
	for k, v := range s.outbox {
		cp := *v
		c.outbox[k] = &cp
	}
	for k, v := range s.catalogOutbox {
		cp := *v
		c.catalogOutbox[k] = &cp
	}
	for k, v := range s.buckets {
		cp := *v
		c.buckets[k] = &cp
	}
	for k, v := range s.parts {
		cp := *v
		c.parts[k] = &cp
	}
	for k, v := range s.colors {
		cp := *v
		cp.ProviderIDs = make(map[model.Provider]string, len(v.ProviderIDs))
		for pk, pv := range v.ProviderIDs {
			cp.ProviderIDs[pk] = pv
		}
		c.colors[k] = &cp
	}
	for k, v := range s.categories {
		cp := *v
		c.categories[k] = &cp
	}
	for k, v := range s.partColors {
		cp := *v
		c.partColors[k] = &cp
	}
	for k, v := range s.partPrices {
		cp := *v
		c.partPrices[k] = &cp
	}
	for k, v := range s.credentials {
		cp := *v
		cp.Secret = append([]byte(nil), v.Secret...)
		c.credentials[k] = &cp
	}
	for k, v := range s.webhooks {
		cp := *v
		c.webhooks[k] = &cp
	}
	return c
}

func cloneItem(it *model.InventoryItem) *model.InventoryItem {
	cp := *it
	if it.Price != nil {
		p := *it.Price
		cp.Price = &p
	}
	cp.MarketplaceSync = make(map[model.Provider]*model.ProviderSyncState, len(it.MarketplaceSync))
	for k, v := range it.MarketplaceSync {
		st := *v
		cp.MarketplaceSync[k] = &st
	}
	return &cp
}

func pairKey(a, b string) string { return a + "|" + b }

type memTx struct{ s *memState }

func (t *memTx) Items() ItemRepo                   { return (*memItems)(t) }
func (t *memTx) QuantityLedger() QuantityLedgerRepo { return (*memQLedger)(t) }
func (t *memTx) LocationLedger() LocationLedgerRepo { return (*memLLedger)(t) }
func (t *memTx) Outbox() OutboxRepo                 { return (*memOutbox)(t) }
func (t *memTx) CatalogOutbox() CatalogOutboxRepo   { return (*memCatalogOutbox)(t) }
func (t *memTx) Buckets() BucketRepo                { return (*memBuckets)(t) }
func (t *memTx) Catalog() CatalogRepo               { return (*memCatalog)(t) }
func (t *memTx) Credentials() CredentialRepo        { return (*memCredentials)(t) }
func (t *memTx) Webhooks() WebhookRepo              { return (*memWebhooks)(t) }

type memItems memTx

func (r *memItems) Insert(item *model.InventoryItem) error {
	key := pairKey(item.TenantID, item.ItemID)
	if _, ok := r.s.items[key]; ok {
		return fmt.Errorf("item %s: %w", item.ItemID, model.ErrConflict)
	}
	r.s.items[key] = cloneItem(item)
	return nil
}

func (r *memItems) Get(tenantID, itemID string) (*model.InventoryItem, error) {
	it, ok := r.s.items[pairKey(tenantID, itemID)]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", itemID, model.ErrNotFound)
	}
	return cloneItem(it), nil
}

func (r *memItems) Update(item *model.InventoryItem) error {
	key := pairKey(item.TenantID, item.ItemID)
	if _, ok := r.s.items[key]; !ok {
		return fmt.Errorf("item %s: %w", item.ItemID, model.ErrNotFound)
	}
	r.s.items[key] = cloneItem(item)
	return nil
}

func (r *memItems) List(tenantID string, spec QuerySpec) ([]*model.InventoryItem, string, error) {
	var rows []*model.InventoryItem
	for _, it := range r.s.items {
		if it.TenantID != tenantID {
			continue
		}
		ok, err := matchItem(it, spec.Filters)
		if err != nil {
			return nil, "", err
		}
		if ok {
			rows = append(rows, cloneItem(it))
		}
	}
	sortItems(rows, spec.Sort)
	// Cursor resumes strictly after the named item so the listing stays
	// stable over appends.
	if spec.Cursor != "" {
		idx := -1
		for i, it := range rows {
			if it.ItemID == spec.Cursor {
				idx = i
				break
			}
		}
		rows = rows[idx+1:]
	}
	size := spec.PageSize
	if size <= 0 || size > MaxPageSize {
		size = MaxPageSize
	}
	next := ""
	if len(rows) > size {
		rows = rows[:size]
		next = rows[len(rows)-1].ItemID
	}
	return rows, next, nil
}

func itemField(it *model.InventoryItem, field string) (interface{}, error) {
	switch field {
	case "part_number":
		return it.PartNumber, nil
	case "color_id":
		return it.ColorID, nil
	case "location":
		return it.Location, nil
	case "condition":
		return string(it.Condition), nil
	case "quantity_available":
		return it.QuantityAvailable, nil
	case "is_archived":
		return it.IsArchived, nil
	case "file_id":
		return it.FileID, nil
	case "item_id":
		return it.ItemID, nil
	case "created_at":
		return it.CreatedAt, nil
	case "updated_at":
		return it.UpdatedAt, nil
	}
	return nil, fmt.Errorf("unknown field %q: %w", field, model.ErrValidation)
}

func matchItem(it *model.InventoryItem, filters map[string]Filter) (bool, error) {
	for field, f := range filters {
		v, err := itemField(it, field)
		if err != nil {
			return false, err
		}
		switch f.Kind {
		case "eq":
			if fmt.Sprint(v) != fmt.Sprint(f.Value) {
				return false, nil
			}
		case "prefix":
			s, ok := v.(string)
			if !ok || !strings.HasPrefix(s, f.Prefix) {
				return false, nil
			}
		case "range":
			n, ok := v.(int64)
			if !ok {
				return false, fmt.Errorf("field %q not numeric: %w", field, model.ErrValidation)
			}
			if f.Min != nil && n < toInt64(f.Min) {
				return false, nil
			}
			if f.Max != nil && n > toInt64(f.Max) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unknown filter kind %q: %w", f.Kind, model.ErrValidation)
		}
	}
	return true, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func sortItems(rows []*model.InventoryItem, keys []SortKey) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			vi, err := itemField(rows[i], k.Field)
			if err != nil {
				continue
			}
			vj, _ := itemField(rows[j], k.Field)
			si, sj := fmt.Sprint(vi), fmt.Sprint(vj)
			if si == sj {
				continue
			}
			if k.Desc {
				return si > sj
			}
			return si < sj
		}
		// Tie-break on item ID so pagination cursors are deterministic.
		return rows[i].ItemID < rows[j].ItemID
	})
}

type memQLedger memTx

func (r *memQLedger) Append(e *model.QuantityLedgerEntry) error {
	entries := r.s.qledger[e.ItemID]
	if int64(len(entries))+1 != e.Seq {
		return fmt.Errorf("ledger seq %d out of order for %s: %w", e.Seq, e.ItemID, model.ErrConflict)
	}
	cp := *e
	r.s.qledger[e.ItemID] = append(entries, &cp)
	return nil
}

func (r *memQLedger) Last(itemID string) (*model.QuantityLedgerEntry, error) {
	entries := r.s.qledger[itemID]
	if len(entries) == 0 {
		return nil, nil
	}
	cp := *entries[len(entries)-1]
	return &cp, nil
}

func (r *memQLedger) GetAt(itemID string, seq int64) (*model.QuantityLedgerEntry, error) {
	entries := r.s.qledger[itemID]
	if seq < 1 || seq > int64(len(entries)) {
		return nil, fmt.Errorf("ledger entry %s/%d: %w", itemID, seq, model.ErrNotFound)
	}
	cp := *entries[seq-1]
	return &cp, nil
}

func (r *memQLedger) SumWindow(itemID string, fromSeqExclusive, toSeqInclusive int64) (int64, error) {
	var sum int64
	for _, e := range r.s.qledger[itemID] {
		if e.Seq > fromSeqExclusive && e.Seq <= toSeqInclusive {
			sum += e.DeltaAvailable
		}
	}
	return sum, nil
}

func (r *memQLedger) All(itemID string) ([]*model.QuantityLedgerEntry, error) {
	entries := r.s.qledger[itemID]
	out := make([]*model.QuantityLedgerEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

type memLLedger memTx

func (r *memLLedger) Append(e *model.LocationLedgerEntry) error {
	cp := *e
	r.s.lledger[e.ItemID] = append(r.s.lledger[e.ItemID], &cp)
	return nil
}

func (r *memLLedger) All(itemID string) ([]*model.LocationLedgerEntry, error) {
	entries := r.s.lledger[itemID]
	out := make([]*model.LocationLedgerEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

type memOutbox memTx

func (r *memOutbox) Insert(msg *model.OutboxMessage) error {
	for _, m := range r.s.outbox {
		if m.IdempotencyKey == msg.IdempotencyKey {
			return fmt.Errorf("idempotency key %s: %w", msg.IdempotencyKey, model.ErrConflict)
		}
	}
	cp := *msg
	r.s.outbox[msg.MessageID] = &cp
	return nil
}

func (r *memOutbox) Get(messageID string) (*model.OutboxMessage, error) {
	m, ok := r.s.outbox[messageID]
	if !ok {
		return nil, fmt.Errorf("outbox %s: %w", messageID, model.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (r *memOutbox) Due(now time.Time, limit int) ([]*model.OutboxMessage, error) {
	var due []*model.OutboxMessage
	for _, m := range r.s.outbox {
		if m.Status == model.OutboxPending && !m.NextAttemptAt.After(now) {
			cp := *m
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ToSeqInclusive < due[j].ToSeqInclusive
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *memOutbox) Lease(messageID string, observedAttempt int) error {
	m, ok := r.s.outbox[messageID]
	if !ok {
		return fmt.Errorf("outbox %s: %w", messageID, model.ErrNotFound)
	}
	if m.Status != model.OutboxPending || m.Attempt != observedAttempt {
		return fmt.Errorf("outbox %s: %w", messageID, model.ErrConflict)
	}
	// Serialization rule: a pair with any inflight row may not lease another.
	for _, sib := range r.s.outbox {
		if sib.ItemID == m.ItemID && sib.Provider == m.Provider && sib.Status == model.OutboxInflight {
			return fmt.Errorf("outbox %s has inflight sibling: %w", messageID, model.ErrConflict)
		}
		// FIFO rule: refuse to lease past an earlier pending window. A
		// zero-width window ties on end seq with the window it chains from,
		// so the start seq breaks the tie.
		if sib.ItemID == m.ItemID && sib.Provider == m.Provider && sib.Status == model.OutboxPending &&
			(sib.ToSeqInclusive < m.ToSeqInclusive ||
				(sib.ToSeqInclusive == m.ToSeqInclusive && sib.FromSeqExclusive < m.FromSeqExclusive)) {
			return fmt.Errorf("outbox %s has earlier pending sibling: %w", messageID, model.ErrConflict)
		}
	}
	m.Status = model.OutboxInflight
	return nil
}

func (r *memOutbox) Update(msg *model.OutboxMessage) error {
	if _, ok := r.s.outbox[msg.MessageID]; !ok {
		return fmt.Errorf("outbox %s: %w", msg.MessageID, model.ErrNotFound)
	}
	cp := *msg
	r.s.outbox[msg.MessageID] = &cp
	return nil
}

func (r *memOutbox) PendingForItem(itemID string, p model.Provider) ([]*model.OutboxMessage, error) {
	var rows []*model.OutboxMessage
	for _, m := range r.s.outbox {
		if m.ItemID == itemID && m.Provider == p && !m.Status.Terminal() {
			cp := *m
			rows = append(rows, &cp)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ToSeqInclusive != rows[j].ToSeqInclusive {
			return rows[i].ToSeqInclusive < rows[j].ToSeqInclusive
		}
		return rows[i].FromSeqExclusive < rows[j].FromSeqExclusive
	})
	return rows, nil
}

func (r *memOutbox) NonTerminalForItem(itemID string) ([]*model.OutboxMessage, error) {
	var rows []*model.OutboxMessage
	for _, m := range r.s.outbox {
		if m.ItemID == itemID && !m.Status.Terminal() {
			cp := *m
			rows = append(rows, &cp)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ToSeqInclusive != rows[j].ToSeqInclusive {
			return rows[i].ToSeqInclusive < rows[j].ToSeqInclusive
		}
		return rows[i].FromSeqExclusive < rows[j].FromSeqExclusive
	})
	return rows, nil
}

func (r *memOutbox) DeleteTerminalBefore(cutoff time.Time) (int, error) {
	n := 0
	for id, m := range r.s.outbox {
		if m.Status.Terminal() && m.CreatedAt.Before(cutoff) {
			delete(r.s.outbox, id)
			n++
		}
	}
	return n, nil
}

type memCatalogOutbox memTx

func (r *memCatalogOutbox) Insert(msg *model.CatalogRefreshMessage) error {
	cp := *msg
	r.s.catalogOutbox[msg.MessageID] = &cp
	return nil
}

func (r *memCatalogOutbox) FindActive(table model.CatalogTable, primary, secondary string) (*model.CatalogRefreshMessage, error) {
	for _, m := range r.s.catalogOutbox {
		if m.TableName == table && m.PrimaryKey == primary && m.SecondaryKey == secondary && !m.Status.Terminal() {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memCatalogOutbox) Due(now time.Time, limit int) ([]*model.CatalogRefreshMessage, error) {
	var due []*model.CatalogRefreshMessage
	for _, m := range r.s.catalogOutbox {
		if m.Status == model.OutboxPending && !m.NextAttemptAt.After(now) {
			cp := *m
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *memCatalogOutbox) Lease(messageID string, observedAttempt int) error {
	m, ok := r.s.catalogOutbox[messageID]
	if !ok {
		return fmt.Errorf("catalog outbox %s: %w", messageID, model.ErrNotFound)
	}
	if m.Status != model.OutboxPending || m.Attempt != observedAttempt {
		return fmt.Errorf("catalog outbox %s: %w", messageID, model.ErrConflict)
	}
	m.Status = model.OutboxInflight
	return nil
}

func (r *memCatalogOutbox) Update(msg *model.CatalogRefreshMessage) error {
	if _, ok := r.s.catalogOutbox[msg.MessageID]; !ok {
		return fmt.Errorf("catalog outbox %s: %w", msg.MessageID, model.ErrNotFound)
	}
	cp := *msg
	r.s.catalogOutbox[msg.MessageID] = &cp
	return nil
}

func (r *memCatalogOutbox) DeleteTerminalBefore(cutoff time.Time) (int, error) {
	n := 0
	for id, m := range r.s.catalogOutbox {
		if m.Status.Terminal() && m.CreatedAt.Before(cutoff) {
			delete(r.s.catalogOutbox, id)
			n++
		}
	}
	return n, nil
}

type memBuckets memTx

func (r *memBuckets) Get(tenantID string, p model.Provider) (*model.RateLimitBucket, error) {
	b, ok := r.s.buckets[pairKey(tenantID, string(p))]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *memBuckets) Put(b *model.RateLimitBucket) error {
	cp := *b
	r.s.buckets[pairKey(b.TenantID, string(b.Provider))] = &cp
	return nil
}

type memCatalog memTx

func (r *memCatalog) UpsertPart(p *model.Part) error {
	cp := *p
	r.s.parts[p.PartNumber] = &cp
	return nil
}

func (r *memCatalog) GetPart(partNumber string) (*model.Part, error) {
	p, ok := r.s.parts[partNumber]
	if !ok {
		return nil, fmt.Errorf("part %s: %w", partNumber, model.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (r *memCatalog) UpsertColor(c *model.Color) error {
	cp := *c
	cp.ProviderIDs = make(map[model.Provider]string, len(c.ProviderIDs))
	for k, v := range c.ProviderIDs {
		cp.ProviderIDs[k] = v
	}
	r.s.colors[c.ColorID] = &cp
	return nil
}

func (r *memCatalog) GetColor(colorID string) (*model.Color, error) {
	c, ok := r.s.colors[colorID]
	if !ok {
		return nil, fmt.Errorf("color %s: %w", colorID, model.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (r *memCatalog) UpsertCategory(c *model.Category) error {
	cp := *c
	r.s.categories[c.CategoryID] = &cp
	return nil
}

func (r *memCatalog) GetCategory(categoryID string) (*model.Category, error) {
	c, ok := r.s.categories[categoryID]
	if !ok {
		return nil, fmt.Errorf("category %s: %w", categoryID, model.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (r *memCatalog) UpsertPartColor(pc *model.PartColor) error {
	cp := *pc
	r.s.partColors[pairKey(pc.PartNumber, pc.ColorID)] = &cp
	return nil
}

func (r *memCatalog) GetPartColor(partNumber, colorID string) (*model.PartColor, error) {
	pc, ok := r.s.partColors[pairKey(partNumber, colorID)]
	if !ok {
		return nil, fmt.Errorf("part color %s/%s: %w", partNumber, colorID, model.ErrNotFound)
	}
	cp := *pc
	return &cp, nil
}

func (r *memCatalog) UpsertPartPrice(pp *model.PartPrice) error {
	cp := *pp
	r.s.partPrices[priceKey(pp.PartNumber, pp.ColorID, pp.Condition, pp.Guide)] = &cp
	return nil
}

func (r *memCatalog) GetPartPrice(partNumber, colorID string, cond model.Condition, guide string) (*model.PartPrice, error) {
	pp, ok := r.s.partPrices[priceKey(partNumber, colorID, cond, guide)]
	if !ok {
		return nil, fmt.Errorf("price %s/%s: %w", partNumber, colorID, model.ErrNotFound)
	}
	cp := *pp
	return &cp, nil
}

func priceKey(part, color string, cond model.Condition, guide string) string {
	return part + "|" + color + "|" + string(cond) + "|" + guide
}

type memCredentials memTx

func (r *memCredentials) Get(tenantID string, p model.Provider) (*model.TenantCredentials, error) {
	c, ok := r.s.credentials[pairKey(tenantID, string(p))]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.Secret = append([]byte(nil), c.Secret...)
	return &cp, nil
}

func (r *memCredentials) Put(c *model.TenantCredentials) error {
	cp := *c
	cp.Secret = append([]byte(nil), c.Secret...)
	r.s.credentials[pairKey(c.TenantID, string(c.Provider))] = &cp
	return nil
}

func (r *memCredentials) Tenants() ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, c := range r.s.credentials {
		if c.Enabled && !seen[c.TenantID] {
			seen[c.TenantID] = true
			out = append(out, c.TenantID)
		}
	}
	sort.Strings(out)
	return out, nil
}

type memWebhooks memTx

func (r *memWebhooks) Record(e *model.WebhookEvent) (bool, error) {
	key := e.DedupeKey()
	if _, ok := r.s.webhooks[key]; ok {
		return false, nil
	}
	cp := *e
	r.s.webhooks[key] = &cp
	return true, nil
}

func (r *memWebhooks) DeleteBefore(cutoff time.Time) (int, error) {
	n := 0
	for k, e := range r.s.webhooks {
		if e.ReceivedAt.Before(cutoff) {
			delete(r.s.webhooks, k)
			n++
		}
	}
	return n, nil
}
