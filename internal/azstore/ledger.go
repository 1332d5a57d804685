package azstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	qwormhole "github.com/qwormhole/qwormhole"
)

// TableLedger is an aztables-backed qwormhole.Ledger, so a fleet of
// servers shares one failed-handshake view across restarts instead of
// each process keeping its own in-memory map. Grounded line-for-line on
// the teacher's aztable.go entity-CRUD shape (PartitionKey/RowKey entity
// round-tripped through json.Marshal), repointed at ledger rows instead
// of arbitrary chunked byte payloads — a ledger row is small enough (an
// int and a timestamp) that the teacher's MaxTableProperties chunking
// has no work to do here.
type TableLedger struct {
	client    *aztables.Client
	tableName string
	approxLen int64 // best-effort local counter; a true Len needs a table scan
}

var _ qwormhole.Ledger = (*TableLedger)(nil)

// NewTableLedger builds a TableLedger against serviceURL/tableName using
// shared-key credentials resolved the same way the teacher's
// newTableClient does (URL userinfo, falling back to
// AZURE_STORAGE_ACCOUNT[_KEY]).
func NewTableLedger(serviceURL, tableName string) (*TableLedger, error) {
	ep, err := NewEndpoint(serviceURL)
	if err != nil {
		return nil, err
	}
	cred, err := aztables.NewSharedKeyCredential(ep.Account, ep.Key)
	if err != nil {
		return nil, fmt.Errorf("azstore: ledger credential: %w", err)
	}
	svc, err := aztables.NewServiceClientWithSharedKey(ep.ServiceURL(), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azstore: ledger client: %w", err)
	}
	client := svc.NewClient(tableName)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := svc.CreateTable(ctx, tableName, nil); err != nil {
		if ce, ok := err.(interface{ ErrorCode() string }); !ok || ce.ErrorCode() != "TableAlreadyExists" {
			return nil, fmt.Errorf("azstore: create ledger table: %w", err)
		}
	}
	return &TableLedger{client: client, tableName: tableName}, nil
}

type ledgerEntity struct {
	Count        int32
	LastFailedAt string
}

// RecordFailure increments remoteKey's row, creating it if absent. TTL
// eviction and the hard-cap-with-oldest-10%-drop rule (spec.md §3) are
// advisory bookkeeping best enforced by a periodic sweep (see
// internal/maintenance) rather than on every write, since a table scan
// per RecordFailure would defeat the point of offloading the ledger.
func (l *TableLedger) RecordFailure(remoteKey string) qwormhole.LedgerEntry {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	existing, found := l.get(ctx, remoteKey)
	existing.Count++
	existing.LastFailedAt = strconv.FormatInt(now.Unix(), 10)

	raw, _ := json.Marshal(map[string]any{
		"PartitionKey": l.tableName,
		"RowKey":       remoteKey,
		"Count":        existing.Count,
		"LastFailedAt": existing.LastFailedAt,
	})
	if _, err := l.client.UpsertEntity(ctx, raw, nil); err == nil && !found {
		atomic.AddInt64(&l.approxLen, 1)
	}
	return qwormhole.LedgerEntry{Count: int(existing.Count), LastFailedAt: now}
}

func (l *TableLedger) get(ctx context.Context, remoteKey string) (ledgerEntity, bool) {
	resp, err := l.client.GetEntity(ctx, l.tableName, remoteKey, nil)
	if err != nil {
		return ledgerEntity{}, false
	}
	var raw map[string]any
	if json.Unmarshal(resp.Value, &raw) != nil {
		return ledgerEntity{}, false
	}
	e := ledgerEntity{}
	if c, ok := raw["Count"].(float64); ok {
		e.Count = int32(c)
	}
	if ts, ok := raw["LastFailedAt"].(string); ok {
		e.LastFailedAt = ts
	}
	return e, true
}

// Get returns remoteKey's entry, if present.
func (l *TableLedger) Get(remoteKey string) (qwormhole.LedgerEntry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e, found := l.get(ctx, remoteKey)
	if !found {
		return qwormhole.LedgerEntry{}, false
	}
	unix, _ := strconv.ParseInt(e.LastFailedAt, 10, 64)
	return qwormhole.LedgerEntry{Count: int(e.Count), LastFailedAt: time.Unix(unix, 0).UTC()}, true
}

// Len returns a best-effort count of distinct remote keys: RecordFailure
// adds one for each key it creates, and Sweep resets it to the number of
// rows the sweep leaves in the table. A precise fleet-wide count would
// require a full table scan; spec.md §3 only uses Len for the
// hard-cap-with-eviction rule, which a periodic maintenance sweep
// (internal/maintenance) performs against the table directly instead.
func (l *TableLedger) Len() int {
	return int(atomic.LoadInt64(&l.approxLen))
}

// sweepRow is one table entity read back during a sweep scan.
type sweepRow struct {
	rowKey       string
	lastFailedAt time.Time
}

// Sweep scans the whole table, deleting rows older than ttl and, if still
// over cap, the oldest rows until cap - cap/10 remain (spec.md §3's
// eviction rule, the same target InMemoryLedger uses,
// applied out-of-band here since TableLedger.RecordFailure only
// upserts one row per call and never pays for a full scan). Intended to
// be driven by internal/maintenance on a cron schedule.
func (l *TableLedger) Sweep(ctx context.Context, ttl time.Duration, cap int) error {
	rows, err := l.scan(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var kept []sweepRow
	for _, r := range rows {
		if now.Sub(r.lastFailedAt) > ttl {
			if err := l.delete(ctx, r.rowKey); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, r)
	}
	remaining := len(kept)
	if cap > 0 && len(kept) > cap {
		sort.Slice(kept, func(i, j int) bool { return kept[i].lastFailedAt.Before(kept[j].lastFailedAt) })
		evict := len(kept) - (cap - cap/10)
		for i := 0; i < evict && i < len(kept); i++ {
			if err := l.delete(ctx, kept[i].rowKey); err != nil {
				return err
			}
			remaining--
		}
	}
	atomic.StoreInt64(&l.approxLen, int64(remaining))
	return nil
}

func (l *TableLedger) scan(ctx context.Context) ([]sweepRow, error) {
	var rows []sweepRow
	filter := "PartitionKey eq '" + l.tableName + "'"
	pager := l.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: to.Ptr(filter)})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azstore: ledger scan: %w", err)
		}
		for _, raw := range page.Entities {
			var fields map[string]any
			if json.Unmarshal(raw, &fields) != nil {
				continue
			}
			rowKey, _ := fields["RowKey"].(string)
			ts, _ := fields["LastFailedAt"].(string)
			unix, _ := strconv.ParseInt(ts, 10, 64)
			rows = append(rows, sweepRow{rowKey: rowKey, lastFailedAt: time.Unix(unix, 0).UTC()})
		}
	}
	return rows, nil
}

func (l *TableLedger) delete(ctx context.Context, rowKey string) error {
	_, err := l.client.DeleteEntity(ctx, l.tableName, rowKey, nil)
	return err
}
