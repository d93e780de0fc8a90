package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgChannel is the single LISTEN channel shared by all hub processes.
// Logical channels travel inside the notification payload.
const pgChannel = "remotectl_broker"

// inlineLimit keeps base64 encoded payloads under the 8000 byte NOTIFY limit.
const inlineLimit = 5000

// notification is the JSON body of one NOTIFY.
type notification struct {
	Channel string `json:"c"`
	Data    []byte `json:"d,omitempty"`
	SpillID int64  `json:"id,omitempty"`
}

// PostgresOptions configures NewPostgres.
type PostgresOptions struct {
	SpillRetention time.Duration // default 5m
	Logger         *slog.Logger
}

// Postgres is a Broker built on LISTEN/NOTIFY. Every hub process receives
// every notification and dispatches it to its own subscribers. Payloads too
// large for NOTIFY are stored in broker_messages and fetched by id.
type Postgres struct {
	pool      *pgxpool.Pool
	local     *fanout
	logger    *slog.Logger
	retention time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPostgres connects, migrates and starts listening. It returns once the
// LISTEN is active, so a Subscribe followed by a Publish from any process is
// delivered.
func NewPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*Postgres, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SpillRetention == 0 {
		opts.SpillRetention = 5 * time.Minute
	}
	logger := opts.Logger.With("component", "broker", "driver", "postgres")

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS broker_messages (
		id BIGSERIAL PRIMARY KEY,
		channel TEXT NOT NULL,
		payload BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate broker: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b := &Postgres{
		pool:      pool,
		local:     newFanout(logger),
		logger:    logger,
		retention: opts.SpillRetention,
		cancel:    cancel,
	}

	ready := make(chan error, 1)
	b.wg.Add(2)
	go b.listen(runCtx, ready)
	go b.purgeLoop(runCtx)

	select {
	case err := <-ready:
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		_ = b.Close()
		return nil, ctx.Err()
	}
	return b, nil
}

// Publish sends payload to the subscribers of channel in every hub process.
func (b *Postgres) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.local.isClosed() {
		return ErrClosed
	}
	n := notification{Channel: channel}
	if len(payload) <= inlineLimit {
		n.Data = payload
	} else {
		err := b.pool.QueryRow(ctx,
			`INSERT INTO broker_messages (channel, payload) VALUES ($1, $2) RETURNING id`,
			channel, payload,
		).Scan(&n.SpillID)
		if err != nil {
			return fmt.Errorf("spill payload: %w", err)
		}
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, pgChannel, string(body)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// Subscribe starts receiving payloads published on channel after it returns.
func (b *Postgres) Subscribe(_ context.Context, channel string) (*Subscription, error) {
	return b.local.subscribe(channel)
}

// Close stops listening, closes all subscriptions and the pool.
func (b *Postgres) Close() error {
	b.cancel()
	b.wg.Wait()
	b.local.close()
	b.pool.Close()
	return nil
}

func (b *Postgres) listen(ctx context.Context, ready chan<- error) {
	defer b.wg.Done()
	first := true
	for {
		err := b.listenOnce(ctx, func() {
			if first {
				first = false
				ready <- nil
			}
		})
		if ctx.Err() != nil {
			return
		}
		if first {
			ready <- err
			return
		}
		b.logger.Warn("listener lost, reconnecting", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (b *Postgres) listenOnce(ctx context.Context, onListening func()) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{pgChannel}.Sanitize()); err != nil {
		return err
	}
	onListening()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		b.dispatch(ctx, n.Payload)
	}
}

func (b *Postgres) dispatch(ctx context.Context, body string) {
	var n notification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		b.logger.Warn("malformed notification", "error", err)
		return
	}
	if !b.local.has(n.Channel) {
		return
	}
	payload := n.Data
	if n.SpillID != 0 {
		err := b.pool.QueryRow(ctx, `SELECT payload FROM broker_messages WHERE id = $1`, n.SpillID).Scan(&payload)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				b.logger.Warn("spilled payload already purged", "channel", n.Channel, "id", n.SpillID)
			} else {
				b.logger.Error("fetch spilled payload", "channel", n.Channel, "error", err)
			}
			return
		}
	}
	b.local.deliver(n.Channel, payload)
}

func (b *Postgres) purgeLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tag, err := b.pool.Exec(ctx, `DELETE FROM broker_messages WHERE created_at < $1`,
				time.Now().Add(-b.retention))
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("purge spilled payloads", "error", err)
				}
				continue
			}
			if n := tag.RowsAffected(); n > 0 {
				b.logger.Debug("purged spilled payloads", "count", n)
			}
		}
	}
}
