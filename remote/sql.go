package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fadedreams/autofix/domain"
	"fadedreams/autofix/feed"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SQL is a relational remote service. On Postgres the change feed is driven by
// database triggers (see PGListener); elsewhere the backend publishes its own
// writes to the feed.
type SQL struct {
	db           *gorm.DB
	feed         *feed.Broadcaster
	publishLocal bool
	tracer       trace.Tracer
	logger       *slog.Logger
}

// OpenPostgres connects to dsn. Change events are expected from a PGListener
// publishing into Feed().
func OpenPostgres(dsn string, logger *slog.Logger) (*SQL, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewSQL(db, false, logger), nil
}

// OpenSQLite opens a SQLite database that publishes its own writes.
func OpenSQLite(dsn string, logger *slog.Logger) (*SQL, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return NewSQL(db, true, logger), nil
}

func NewSQL(db *gorm.DB, publishLocal bool, logger *slog.Logger) *SQL {
	return &SQL{
		db:           db,
		feed:         feed.NewBroadcaster(logger),
		publishLocal: publishLocal,
		tracer:       otel.Tracer("autofix-remote"),
		logger:       logger,
	}
}

// Feed is the broadcaster subscriptions are served from.
func (s *SQL) Feed() *feed.Broadcaster { return s.feed }

// Migrate creates or updates the tables, and on Postgres installs the change
// notification triggers.
func (s *SQL) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&profileRecord{}, &requestRecord{}, &messageRecord{}, &notificationRecord{}); err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	statements := []string{notifyFunction}
	for table := range knownCollections {
		statements = append(statements, notifyTrigger(table)...)
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to install change triggers: %w", err)
		}
	}
	s.logger.Info("Installed change notification triggers", "channel", changeChannel)
	return nil
}

func applyFilters(tx *gorm.DB, filters []domain.Filter) *gorm.DB {
	for _, f := range filters {
		col := clause.Column{Name: f.Field}
		switch f.Op {
		case domain.OpEq:
			tx = tx.Where(clause.Eq{Column: col, Value: f.Value})
		case domain.OpIn:
			values, _ := f.Value.([]any)
			tx = tx.Where(clause.IN{Column: col, Values: values})
		case domain.OpNotNull:
			tx = tx.Where(clause.Neq{Column: col, Value: nil})
		}
	}
	return tx
}

func (s *SQL) Select(ctx context.Context, q domain.Query) ([]domain.Row, error) {
	ctx, span := s.tracer.Start(ctx, "SQLSelect")
	defer span.End()
	span.SetAttributes(attribute.String("collection", q.Collection))

	if err := checkCollection(q.Collection); err != nil {
		return nil, err
	}
	tx := applyFilters(s.db.WithContext(ctx).Table(q.Collection), q.Filters)
	if q.OrderBy != "" {
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: q.OrderBy}, Desc: q.Descending})
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var found []map[string]any
	if err := tx.Find(&found).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to select rows")
		return nil, fmt.Errorf("failed to select from %s: %w", q.Collection, err)
	}
	rows := make([]domain.Row, len(found))
	for i, r := range found {
		rows[i] = domain.Row(r)
	}
	span.SetAttributes(attribute.Int("rowCount", len(rows)))
	return rows, nil
}

func (s *SQL) Insert(ctx context.Context, collection string, row domain.Row) (domain.Row, error) {
	ctx, span := s.tracer.Start(ctx, "SQLInsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.String("id", row.String("id")))

	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if row.String("id") == "" {
		return nil, errors.New("row id is required")
	}
	stored := row.Clone()
	if err := s.db.WithContext(ctx).Table(collection).Create(map[string]any(stored)).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to insert row")
		return nil, fmt.Errorf("failed to insert into %s: %w", collection, err)
	}
	if s.publishLocal {
		s.feed.Publish(domain.ChangeEvent{Type: domain.EventInsert, Collection: collection, New: stored.Clone(), CommitTime: time.Now()})
	}
	return stored, nil
}

func (s *SQL) Update(ctx context.Context, collection string, filters []domain.Filter, fields domain.Row) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "SQLUpdate")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	if err := checkCollection(collection); err != nil {
		return 0, err
	}
	if len(filters) == 0 {
		return 0, errors.New("update requires at least one filter")
	}

	var (
		olds     []map[string]any
		affected int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := applyFilters(tx.Table(collection), filters).Find(&olds).Error; err != nil {
			return err
		}
		res := applyFilters(tx.Table(collection), filters).Updates(map[string]any(fields.Clone()))
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to update rows")
		return 0, fmt.Errorf("failed to update %s: %w", collection, err)
	}
	span.SetAttributes(attribute.Int64("rowsAffected", affected))

	if s.publishLocal {
		for _, old := range olds {
			s.feed.Publish(domain.ChangeEvent{
				Type:       domain.EventUpdate,
				Collection: collection,
				New:        applyFields(domain.Row(old), fields),
				Old:        domain.Row(old),
				CommitTime: time.Now(),
			})
		}
	}
	return affected, nil
}

func (s *SQL) Subscribe(ctx context.Context, spec domain.SubscriptionSpec, onEvent func(domain.ChangeEvent)) (domain.Subscription, error) {
	if err := checkCollection(spec.Collection); err != nil {
		return nil, err
	}
	return s.feed.Subscribe(ctx, spec, onEvent)
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
