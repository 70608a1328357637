// SPDX-License-Identifier: ice License 1.0

package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"iter"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/nostrwire/relaycore/model"
)

const (
	selectDefaultBatchLimit = 100
)

var (
	ErrUnexpectedRowsAffected = errors.New("unexpected rows affected")
	ErrRelayNotFound          = errors.New("relay not found")

	errEventIteratorInterrupted = errors.New("interrupted")
)

type (
	databaseEvent struct {
		model.Event
		RelayID         string
		SystemCreatedAt int64
		SizeBytes       int64
		Jtags           string
	}

	databaseEventTag struct {
		RelayID string
		EventID string
		Name    string
		Value   string
	}

	databaseRelay struct {
		model.Relay
		Meta string
	}
)

type EventIterator iter.Seq2[*model.Event, error]

// SaveEvent persists the event, its tag index rows and the tombstones
// it implies in one transaction: either the whole mutation lands or
// none of it does. The supersede filters select prior events owned by
// the event's author to tombstone right before the insert (replaceable
// supersession, delete-request targets), so a failed insert leaves
// them untouched.
func (db *Client) SaveEvent(ctx context.Context, relayID string, event *model.Event, supersede ...model.Filter) error {
	const stmt = `insert into events
	(relay_id, id, pubkey, created_at, system_created_at, kind, tags, content, sig, size)
values
	(:relay_id, :id, :pubkey, :created_at, :system_created_at, :kind, :jtags, :content, :sig, :size)`
	const tagStmt = `insert into event_tags (relay_id, event_id, name, value) values (:relay_id, :event_id, :name, :value)`

	jtags, err := json.Marshal(event.Tags)
	if err != nil {
		return errors.Wrap(err, "failed to marshal tags")
	}

	dbEvent := &databaseEvent{
		Event:           *event,
		RelayID:         relayID,
		SystemCreatedAt: time.Now().UnixNano(),
		SizeBytes:       event.SizeBytes(),
		Jtags:           string(jtags),
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin event insert tx")
	}
	defer tx.Rollback()

	if len(supersede) > 0 {
		if err = softDeleteEvents(ctx, tx, relayID, event.PubKey, supersede); err != nil {
			return errors.Wrap(err, "failed to tombstone superseded events")
		}
	}
	if _, err = tx.NamedExecContext(ctx, stmt, dbEvent); err != nil {
		return errors.Wrap(err, "failed to exec insert event sql")
	}
	for _, tag := range event.Tags {
		if len(tag) < 2 || len(tag[0]) != 1 {
			// Only single-letter tags are indexed for filtering.
			continue
		}
		row := &databaseEventTag{RelayID: relayID, EventID: event.ID, Name: tag[0], Value: tag[1]}
		if _, err = tx.NamedExecContext(ctx, tagStmt, row); err != nil {
			return errors.Wrapf(err, "failed to exec insert event tag sql for %+v", tag)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit event insert tx")
}

// HasEvent reports whether the id is already persisted, tombstoned rows
// included: a soft-deleted event still counts for idempotency.
func (db *Client) HasEvent(ctx context.Context, relayID, id string) (bool, error) {
	const stmt = `select count(1) from events where relay_id = :relay_id and id = :id`

	prepared, err := db.prepare(ctx, stmt, hashSQL(stmt))
	if err != nil {
		return false, errors.Wrapf(err, "failed to prepare query sql: %q", stmt)
	}

	var count int64
	if err = prepared.GetContext(ctx, &count, map[string]any{"relay_id": relayID, "id": id}); err != nil {
		return false, errors.Wrapf(err, "failed to query event existence for %q", id)
	}

	return count > 0, nil
}

// SoftDeleteEvents tombstones the events matching the compiled filters
// that are owned by ownerPubKey. Unknown or foreign ids are silently
// skipped, a delete request never fails because targets are missing.
func (db *Client) SoftDeleteEvents(ctx context.Context, relayID, ownerPubKey string, filters model.Filters) error {
	return softDeleteEvents(ctx, db.DB, relayID, ownerPubKey, filters)
}

func softDeleteEvents(ctx context.Context, db sqlx.ExtContext, relayID, ownerPubKey string, filters model.Filters) error {
	where, params, err := newWhereBuilder().Build(filters...)
	if err != nil {
		return errors.Wrap(err, "failed to generate events where clause")
	}

	params["relay_id"] = relayID
	params["owner_pub_key"] = ownerPubKey
	stmt := `update events set deleted = true where relay_id = :relay_id AND pubkey = :owner_pub_key AND deleted = false AND (` + where + `)`
	if _, err = sqlx.NamedExecContext(ctx, db, stmt, params); err != nil {
		return errors.Wrap(err, "failed to exec soft delete events sql")
	}

	return nil
}

func (db *Client) SelectEvents(ctx context.Context, relayID string, subscription *model.Subscription) EventIterator {
	limit := int64(selectDefaultBatchLimit)
	hasLimitFilter := subscription != nil && len(subscription.Filters) > 0 && subscription.Filters[0].Limit > 0
	if hasLimitFilter {
		limit = int64(subscription.Filters[0].Limit)
	}

	it := &eventIterator{
		oneShot: hasLimitFilter && limit <= selectDefaultBatchLimit,
		fetch: func(pivot int64) (*sqlx.Rows, error) {
			if limit <= 0 {
				return nil, nil
			}

			sql, params, err := generateSelectEventsSQL(relayID, subscription, pivot, min(selectDefaultBatchLimit, limit))
			if err != nil {
				return nil, err
			}

			stmt, err := db.prepare(ctx, sql, hashSQL(sql))
			if err != nil {
				return nil, errors.Wrapf(err, "failed to prepare query sql: %q", sql)
			}

			rows, err := stmt.QueryxContext(ctx, params)
			if err != nil {
				err = errors.Wrapf(err, "failed to query events sql: %q", sql)
			}

			if hasLimitFilter && err == nil {
				limit -= selectDefaultBatchLimit
			}

			return rows, err
		}}

	return func(yield func(*model.Event, error) bool) {
		err := it.Each(ctx, func(event *model.Event) error {
			if !yield(event, nil) {
				return errEventIteratorInterrupted
			}

			return nil
		})

		if err != nil && !errors.Is(err, errEventIteratorInterrupted) {
			yield(nil, errors.Wrap(err, "failed to iterate events"))
		}
	}
}

// StorageBytes is the total byte size persisted for the relay.
// Tombstoned rows still occupy storage and are counted.
func (db *Client) StorageBytes(ctx context.Context, relayID string) (int64, error) {
	const stmt = `select coalesce(sum(size), 0) from events where relay_id = :relay_id`

	prepared, err := db.prepare(ctx, stmt, hashSQL(stmt))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to prepare query sql: %q", stmt)
	}

	var total int64
	if err = prepared.GetContext(ctx, &total, map[string]any{"relay_id": relayID}); err != nil {
		return 0, errors.Wrap(err, "failed to query storage bytes")
	}

	return total, nil
}

// EvictOldest physically removes events oldest-first (by created_at)
// until the relay's storage drops to maxBytes or below, and returns the
// evicted ids. Eviction reclaims storage, so unlike protocol deletes it
// is not a soft delete.
func (db *Client) EvictOldest(ctx context.Context, relayID string, maxBytes int64) (evictedIDs []string, err error) {
	used, err := db.StorageBytes(ctx, relayID)
	if err != nil {
		return nil, err
	}
	if used <= maxBytes {
		return nil, nil
	}

	const selectStmt = `select id, size from events where relay_id = :relay_id order by created_at asc, system_created_at asc`
	prepared, err := db.prepare(ctx, selectStmt, hashSQL(selectStmt))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to prepare query sql: %q", selectStmt)
	}
	rows, err := prepared.QueryxContext(ctx, map[string]any{"relay_id": relayID})
	if err != nil {
		return nil, errors.Wrap(err, "failed to query eviction candidates")
	}
	defer rows.Close()

	for rows.Next() && used > maxBytes {
		var candidate struct {
			ID   string `db:"id"`
			Size int64  `db:"size"`
		}
		if err = rows.StructScan(&candidate); err != nil {
			return nil, errors.Wrap(err, "failed to scan eviction candidate")
		}
		evictedIDs = append(evictedIDs, candidate.ID)
		used -= candidate.Size
	}
	if err = rows.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close eviction candidate rows")
	}
	if len(evictedIDs) == 0 {
		return nil, nil
	}

	params := map[string]any{"relay_id": relayID}
	placeholders := ""
	for i, id := range evictedIDs {
		if i > 0 {
			placeholders += ","
		}
		key := "evict" + strconv.Itoa(i)
		params[key] = id
		placeholders += ":" + key
	}

	if _, err = db.exec(ctx, `delete from events where relay_id = :relay_id AND id IN (`+placeholders+`)`, params); err != nil {
		return nil, errors.Wrap(err, "failed to exec evict events sql")
	}
	if _, err = db.exec(ctx, `delete from event_tags where relay_id = :relay_id AND event_id IN (`+placeholders+`)`, params); err != nil {
		return nil, errors.Wrap(err, "failed to exec evict event tags sql")
	}

	return evictedIDs, nil
}

// SaveRelay upserts the relay record with its policy serialized into
// the meta blob. The blob is the relay-private superset.
func (db *Client) SaveRelay(ctx context.Context, relay *model.Relay) error {
	const stmt = `insert or replace into relays (id, name, description, pubkey, contact, active, meta)
values (:id, :name, :description, :pubkey, :contact, :active, :meta)`

	meta, err := json.Marshal(&relay.Config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal relay config")
	}

	rowsAffected, err := db.exec(ctx, stmt, &databaseRelay{Relay: *relay, Meta: string(meta)})
	if err != nil {
		return errors.Wrap(err, "failed to exec insert relay sql")
	}
	if rowsAffected == 0 {
		return ErrUnexpectedRowsAffected
	}

	return nil
}

func (db *Client) GetRelay(ctx context.Context, relayID string) (*model.Relay, error) {
	const stmt = `select id, name, description, pubkey, contact, active, meta from relays where id = :id`

	prepared, err := db.prepare(ctx, stmt, hashSQL(stmt))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to prepare query sql: %q", stmt)
	}

	var row databaseRelay
	if err = prepared.GetContext(ctx, &row, map[string]any{"id": relayID}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrRelayNotFound, "id %q", relayID)
		}

		return nil, errors.Wrapf(err, "failed to query relay %q", relayID)
	}

	relay := row.Relay
	if err = json.Unmarshal([]byte(row.Meta), &relay.Config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal relay config for %q", relayID)
	}

	return &relay, nil
}

func generateSelectEventsSQL(relayID string, subscription *model.Subscription, systemCreatedAtPivot, limit int64) (sql string, params map[string]any, err error) {
	var filters []model.Filter
	if subscription != nil {
		filters = subscription.Filters
	}

	where, params, err := newWhereBuilder().Build(filters...)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to generate events where clause")
	}
	params["relay_id"] = relayID

	var systemCreatedAtFilter string
	if systemCreatedAtPivot != 0 {
		systemCreatedAtFilter = " (system_created_at < :system_created_at_pivot) AND "
		params["system_created_at_pivot"] = systemCreatedAtPivot
	}

	var limitQuery string
	if limit > 0 {
		params["mainlimit"] = limit
		limitQuery = " limit :mainlimit"
	}

	return `
select
	kind,
	created_at,
	system_created_at,
	id,
	pubkey,
	sig,
	content,
	tags as jtags
from
	events
where relay_id = :relay_id AND deleted = false AND ` + systemCreatedAtFilter + `(` + where + `)
order by
	system_created_at desc
` + limitQuery, params, nil
}
