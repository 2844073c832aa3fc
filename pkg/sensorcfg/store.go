package sensorcfg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/N10h0ggr/gladix/pkg/eventbus"
	"github.com/N10h0ggr/gladix/pkg/store"
)

// Store persists the singleton configuration rows and the append-only audit
// trail in the agent database. Audit rows are written once inside the same
// transaction as the configuration change and there is no code path that
// updates or deletes them.
type Store struct {
	db     *store.Store
	bus    *eventbus.Bus
	logger *zap.Logger
}

// NewStore wires the config store over the agent database. bus may be nil
// when change notification is not needed (tests, ringdump).
func NewStore(db *store.Store, bus *eventbus.Bus, logger *zap.Logger) *Store {
	return &Store{db: db, bus: bus, logger: logger.Named("sensorcfg")}
}

// Seed inserts default rows for any kind missing a current record. Existing
// rows are left alone, so this is safe on every startup.
func (s *Store) Seed(ctx context.Context) error {
	defaults := Defaults()
	tx, err := s.db.WriteDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sensorcfg: seed begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMicro()
	for _, kind := range Kinds {
		raw, err := marshalSection(&defaults, kind)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO sensor_configs (kind, config, updated_at) VALUES (?, ?, ?)",
			string(kind), string(raw), now); err != nil {
			return fmt.Errorf("sensorcfg: seed %s: %w", kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sensorcfg: seed commit: %w", err)
	}
	return nil
}

// Get returns a consistent snapshot of all five current configurations.
// The rows are read inside one transaction so a concurrent SetConfig is
// either fully visible or not at all.
func (s *Store) Get(ctx context.Context) (Snapshot, error) {
	snap := Defaults()
	tx, err := s.db.ReadDB().BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return snap, fmt.Errorf("sensorcfg: get begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT kind, config FROM sensor_configs")
	if err != nil {
		return snap, fmt.Errorf("sensorcfg: get query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, raw string
		if err := rows.Scan(&kind, &raw); err != nil {
			return snap, fmt.Errorf("sensorcfg: get scan: %w", err)
		}
		if err := applySection(&snap, Kind(kind), []byte(raw)); err != nil {
			return snap, err
		}
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("sensorcfg: get rows: %w", err)
	}
	return snap, nil
}

// Set validates and applies an update. For every kind present in the update
// it writes the new current row and appends one audit entry capturing the
// prior and new configuration, all inside a single transaction: the effects
// commit together or not at all. A validation failure aborts before any
// write and leaves no audit trace.
func (s *Store) Set(ctx context.Context, update Update, actor string) error {
	if err := update.Validate(); err != nil {
		return err
	}
	if actor == "" {
		actor = "anonymous"
	}

	tx, err := s.db.WriteDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sensorcfg: set begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var changed []Kind
	for _, kind := range Kinds {
		section := update.section(kind)
		if section == nil {
			continue
		}
		newRaw, err := json.Marshal(section)
		if err != nil {
			return fmt.Errorf("sensorcfg: marshal %s: %w", kind, err)
		}

		var oldRaw string
		err = tx.QueryRowContext(ctx,
			"SELECT config FROM sensor_configs WHERE kind = ?", string(kind)).Scan(&oldRaw)
		switch {
		case err == sql.ErrNoRows:
			oldRaw = "{}"
		case err != nil:
			return fmt.Errorf("sensorcfg: read prior %s: %w", kind, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sensor_configs (kind, config, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(kind) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
			string(kind), string(newRaw), now.UnixMicro()); err != nil {
			return fmt.Errorf("sensorcfg: write %s: %w", kind, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO config_audit (id, kind, ts, actor, old_config, new_config) VALUES (?, ?, ?, ?, ?, ?)",
			uuid.NewString(), string(kind), now.UnixMicro(), actor, oldRaw, string(newRaw)); err != nil {
			return fmt.Errorf("sensorcfg: audit %s: %w", kind, err)
		}
		changed = append(changed, kind)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sensorcfg: set commit: %w", err)
	}

	for _, kind := range changed {
		s.logger.Info("configuration updated", zap.String("kind", string(kind)), zap.String("actor", actor))
		if s.bus != nil {
			_ = s.bus.Publish(ctx, eventbus.Event{Topic: eventbus.TopicConfigUpdated, Payload: string(kind)})
		}
	}
	return nil
}

// Watch subscribes handler to configuration change notifications. The
// handler receives the kind whose current row changed.
func (s *Store) Watch(handler func(ctx context.Context, kind Kind)) {
	if s.bus == nil {
		return
	}
	s.bus.Subscribe(eventbus.TopicConfigUpdated, func(ev eventbus.Event) {
		if kind, ok := ev.Payload.(string); ok {
			handler(context.Background(), Kind(kind))
		}
	})
}

// Audit returns the most recent audit entries, newest first. kind narrows
// the listing when non-empty.
func (s *Store) Audit(ctx context.Context, kind Kind, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT id, kind, ts, actor, old_config, new_config FROM config_audit"
	args := []any{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY ts DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.ReadDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sensorcfg: audit query: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var kindStr string
		var ts int64
		if err := rows.Scan(&e.ID, &kindStr, &ts, &e.Actor, &e.OldConfig, &e.NewConfig); err != nil {
			return nil, fmt.Errorf("sensorcfg: audit scan: %w", err)
		}
		e.Kind = Kind(kindStr)
		e.Timestamp = time.UnixMicro(ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (u *Update) section(kind Kind) any {
	switch kind {
	case KindScanner:
		if u.Scanner != nil {
			return u.Scanner
		}
	case KindProcess:
		if u.Process != nil {
			return u.Process
		}
	case KindFilesystem:
		if u.Filesystem != nil {
			return u.Filesystem
		}
	case KindNetwork:
		if u.Network != nil {
			return u.Network
		}
	case KindETW:
		if u.Etw != nil {
			return u.Etw
		}
	}
	return nil
}

func marshalSection(s *Snapshot, kind Kind) ([]byte, error) {
	var v any
	switch kind {
	case KindScanner:
		v = s.Scanner
	case KindProcess:
		v = s.Process
	case KindFilesystem:
		v = s.Filesystem
	case KindNetwork:
		v = s.Network
	case KindETW:
		v = s.Etw
	default:
		return nil, fmt.Errorf("sensorcfg: unknown kind %q", kind)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sensorcfg: marshal %s: %w", kind, err)
	}
	return raw, nil
}

func applySection(s *Snapshot, kind Kind, raw []byte) error {
	var target any
	switch kind {
	case KindScanner:
		target = &s.Scanner
	case KindProcess:
		target = &s.Process
	case KindFilesystem:
		target = &s.Filesystem
	case KindNetwork:
		target = &s.Network
	case KindETW:
		target = &s.Etw
	default:
		// Unknown rows are tolerated for forward compatibility.
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("sensorcfg: unmarshal %s: %w", kind, err)
	}
	return nil
}
