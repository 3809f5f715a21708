package loader

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/loadergate/internal/approval"
	"github.com/JonMunkholm/loadergate/internal/database"
	"github.com/JonMunkholm/loadergate/internal/protect"
)

// Repos bundles the stores a unit of work writes through.
type Repos struct {
	Configs ConfigStore
	Ledger  *approval.Ledger
}

// Transactor runs units of work atomically. Repos returned by Read are for
// reads outside a transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
	Read() Repos
}

// PgTransactor runs units of work in PostgreSQL transactions.
type PgTransactor struct {
	pool      *pgxpool.Pool
	protector *protect.Protector
}

// NewPgTransactor creates a transactor over pool.
func NewPgTransactor(pool *pgxpool.Pool, protector *protect.Protector) *PgTransactor {
	return &PgTransactor{pool: pool, protector: protector}
}

func (t *PgTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	return database.WithTx(ctx, t.pool, func(tx pgx.Tx) error {
		return fn(ctx, Repos{
			Configs: NewPgConfigStore(tx, t.protector),
			Ledger:  approval.NewLedger(approval.NewPgStore(tx)),
		})
	})
}

func (t *PgTransactor) Read() Repos {
	return Repos{
		Configs: NewPgConfigStore(t.pool, t.protector),
		Ledger:  approval.NewLedger(approval.NewPgStore(t.pool)),
	}
}

// MemoryTransactor runs units of work against in-memory stores, restoring
// both stores when the unit fails. Units are serialised.
type MemoryTransactor struct {
	Configs   *MemoryStore
	Approvals *approval.MemoryStore

	mu sync.Mutex
}

// NewMemoryTransactor creates a transactor over fresh in-memory stores.
func NewMemoryTransactor(protector *protect.Protector) *MemoryTransactor {
	return &MemoryTransactor{
		Configs:   NewMemoryStore(protector),
		Approvals: approval.NewMemoryStore(),
	}
}

func (t *MemoryTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	restoreConfigs := t.Configs.Snapshot()
	restoreApprovals := t.Approvals.Snapshot()

	if err := fn(ctx, t.Read()); err != nil {
		restoreConfigs()
		restoreApprovals()
		return err
	}
	return nil
}

func (t *MemoryTransactor) Read() Repos {
	return Repos{Configs: t.Configs, Ledger: approval.NewLedger(t.Approvals)}
}
