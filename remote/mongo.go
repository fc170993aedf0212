package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fadedreams/autofix/domain"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const outboxCollection = "outbox"

// Mongo is a document-store remote service. Subscriptions are change streams
// with pre-images enabled, so updates carry the previous row. With the outbox
// enabled every write also records its change event in the outbox collection
// inside the same transaction, for relay to Kafka.
type Mongo struct {
	db         *mongo.Database
	outbox     *mongo.Collection
	withOutbox bool
	tracer     trace.Tracer
	logger     *slog.Logger
}

func NewMongo(client *mongo.Client, dbName string, withOutbox bool, logger *slog.Logger) *Mongo {
	db := client.Database(dbName)
	return &Mongo{
		db:         db,
		outbox:     db.Collection(outboxCollection),
		withOutbox: withOutbox,
		tracer:     otel.Tracer("autofix-remote"),
		logger:     logger,
	}
}

// ConnectMongo connects with retries and verifies the replica set needed for
// change streams and transactions.
func ConnectMongo(uri string, retries int, delay time.Duration, logger *slog.Logger) (*mongo.Client, error) {
	var (
		client *mongo.Client
		err    error
	)
	for i := 0; i < retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err = mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err == nil {
			err = client.Ping(ctx, nil)
			if err == nil {
				var result struct {
					Ok int `bson:"ok"`
				}
				err = client.Database("admin").RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).Decode(&result)
				if err == nil && result.Ok == 1 {
					cancel()
					logger.Info("Connected to MongoDB", "uri", uri)
					return client, nil
				}
				logger.Error("Replica set not ready", "error", err)
			}
		}
		cancel()
		logger.Error("Failed to connect to MongoDB", "attempt", i+1, "max_attempts", retries, "error", err)
		if i < retries-1 {
			time.Sleep(delay)
		}
	}
	return nil, fmt.Errorf("failed to connect to MongoDB after %d retries: %w", retries, err)
}

// EnsureCollections creates the collections with pre- and post-images enabled.
func (m *Mongo) EnsureCollections(ctx context.Context) error {
	for name := range knownCollections {
		images := bson.D{{Key: "enabled", Value: true}}
		err := m.db.RunCommand(ctx, bson.D{
			{Key: "create", Value: name},
			{Key: "changeStreamPreAndPostImages", Value: images},
		}).Err()
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Name == "NamespaceExists" {
			err = m.db.RunCommand(ctx, bson.D{
				{Key: "collMod", Value: name},
				{Key: "changeStreamPreAndPostImages", Value: images},
			}).Err()
		}
		if err != nil {
			return fmt.Errorf("failed to prepare collection %s: %w", name, err)
		}
	}
	return nil
}

func toBSONFilter(filters []domain.Filter, prefix string) bson.D {
	out := bson.D{}
	for _, f := range filters {
		field := f.Field
		if field == "id" {
			field = "_id"
		}
		field = prefix + field
		switch f.Op {
		case domain.OpEq:
			out = append(out, bson.E{Key: field, Value: f.Value})
		case domain.OpIn:
			out = append(out, bson.E{Key: field, Value: bson.D{{Key: "$in", Value: f.Value}}})
		case domain.OpNotNull:
			out = append(out, bson.E{Key: field, Value: bson.D{{Key: "$ne", Value: nil}}})
		}
	}
	return out
}

func toDocument(row domain.Row) bson.M {
	doc := bson.M{}
	for k, v := range row {
		if k == "id" {
			doc["_id"] = v
			continue
		}
		doc[k] = v
	}
	return doc
}

func fromDocument(doc bson.M) domain.Row {
	row := domain.Row{}
	for k, v := range doc {
		if k == "_id" {
			k = "id"
		}
		row[k] = fromBSONValue(v)
	}
	return row
}

func fromBSONValue(v any) any {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	case bson.M:
		return map[string]any(fromDocument(t))
	case bson.D:
		return map[string]any(fromDocument(t.Map()))
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSONValue(e)
		}
		return out
	}
	return v
}

func (m *Mongo) Select(ctx context.Context, q domain.Query) ([]domain.Row, error) {
	ctx, span := m.tracer.Start(ctx, "MongoSelect")
	defer span.End()
	span.SetAttributes(attribute.String("collection", q.Collection))

	if err := checkCollection(q.Collection); err != nil {
		return nil, err
	}
	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Descending {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cursor, err := m.db.Collection(q.Collection).Find(ctx, toBSONFilter(q.Filters, ""), opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find documents")
		return nil, fmt.Errorf("failed to find in %s: %w", q.Collection, err)
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to decode documents")
		return nil, fmt.Errorf("failed to decode documents: %w", err)
	}
	rows := make([]domain.Row, len(docs))
	for i, doc := range docs {
		rows[i] = fromDocument(doc)
	}
	span.SetAttributes(attribute.Int("rowCount", len(rows)))
	return rows, nil
}

func (m *Mongo) Insert(ctx context.Context, collection string, row domain.Row) (domain.Row, error) {
	ctx, span := m.tracer.Start(ctx, "MongoInsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.String("id", row.String("id")))

	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if row.String("id") == "" {
		return nil, errors.New("row id is required")
	}
	stored := row.Clone()
	write := func(sc context.Context) error {
		if _, err := m.db.Collection(collection).InsertOne(sc, toDocument(stored)); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", collection, err)
		}
		if m.withOutbox {
			return m.saveOutboxEvent(sc, domain.ChangeEvent{Type: domain.EventInsert, Collection: collection, New: stored, CommitTime: time.Now()})
		}
		return nil
	}
	if err := m.write(ctx, write); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to insert document")
		return nil, err
	}
	return stored, nil
}

func (m *Mongo) Update(ctx context.Context, collection string, filters []domain.Filter, fields domain.Row) (int64, error) {
	ctx, span := m.tracer.Start(ctx, "MongoUpdate")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	if err := checkCollection(collection); err != nil {
		return 0, err
	}
	if len(filters) == 0 {
		return 0, errors.New("update requires at least one filter")
	}
	filter := toBSONFilter(filters, "")
	set := toDocument(fields)
	delete(set, "_id")

	var matched int64
	write := func(sc context.Context) error {
		var olds []bson.M
		if m.withOutbox {
			cursor, err := m.db.Collection(collection).Find(sc, filter)
			if err != nil {
				return fmt.Errorf("failed to read rows before update: %w", err)
			}
			if err := cursor.All(sc, &olds); err != nil {
				return fmt.Errorf("failed to decode rows before update: %w", err)
			}
		}
		res, err := m.db.Collection(collection).UpdateMany(sc, filter, bson.M{"$set": set})
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", collection, err)
		}
		matched = res.MatchedCount
		for _, doc := range olds {
			old := fromDocument(doc)
			ev := domain.ChangeEvent{Type: domain.EventUpdate, Collection: collection, New: applyFields(old, fields), Old: old, CommitTime: time.Now()}
			if err := m.saveOutboxEvent(sc, ev); err != nil {
				return err
			}
		}
		return nil
	}
	if err := m.write(ctx, write); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to update documents")
		return 0, err
	}
	span.SetAttributes(attribute.Int64("matched", matched))
	return matched, nil
}

// write runs fn directly, or inside a transaction when the outbox is enabled.
func (m *Mongo) write(ctx context.Context, fn func(context.Context) error) error {
	if !m.withOutbox {
		return fn(ctx)
	}
	session, err := m.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("failed to start MongoDB session: %w", err)
	}
	defer session.EndSession(ctx)

	if err := session.StartTransaction(); err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	err = mongo.WithSession(ctx, session, func(sc mongo.SessionContext) error {
		return fn(sc)
	})
	if err != nil {
		_ = session.AbortTransaction(ctx)
		return err
	}
	if err := session.CommitTransaction(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (m *Mongo) saveOutboxEvent(ctx context.Context, ev domain.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}
	event := &domain.OutboxEvent{
		ID:        primitive.NewObjectID().Hex(),
		EventType: ev.Collection + "." + string(ev.Type),
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if _, err := m.outbox.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

// GetUnprocessedOutboxEvents returns outbox events not yet relayed, oldest first.
func (m *Mongo) GetUnprocessedOutboxEvents(ctx context.Context) ([]*domain.OutboxEvent, error) {
	ctx, span := m.tracer.Start(ctx, "MongoGetUnprocessedOutboxEvents")
	defer span.End()

	cursor, err := m.outbox.Find(ctx, bson.M{"processed": false}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find unprocessed outbox events")
		return nil, fmt.Errorf("failed to find unprocessed outbox events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*domain.OutboxEvent
	if err := cursor.All(ctx, &events); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to decode outbox events")
		return nil, fmt.Errorf("failed to decode outbox events: %w", err)
	}
	span.SetAttributes(attribute.Int("eventCount", len(events)))
	return events, nil
}

func (m *Mongo) MarkOutboxEventProcessed(ctx context.Context, eventID string) error {
	ctx, span := m.tracer.Start(ctx, "MongoMarkOutboxEventProcessed")
	defer span.End()

	_, err := m.outbox.UpdateOne(ctx, bson.M{"_id": eventID}, bson.M{
		"$set": bson.M{"processed": true, "processed_at": time.Now()},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to mark outbox event as processed")
		return fmt.Errorf("failed to mark outbox event %s processed: %w", eventID, err)
	}
	return nil
}

// changeStreamPipeline matches the wanted operations and, when a filter is
// given, the post-image field it names.
func changeStreamPipeline(spec domain.SubscriptionSpec) mongo.Pipeline {
	ops := bson.A{}
	for _, t := range spec.Events {
		switch t {
		case domain.EventInsert:
			ops = append(ops, "insert")
		case domain.EventUpdate:
			ops = append(ops, "update", "replace")
		}
	}
	if len(ops) == 0 {
		ops = bson.A{"insert", "update", "replace"}
	}
	match := bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: ops}}}}
	if spec.Filter != nil {
		match = append(match, toBSONFilter([]domain.Filter{*spec.Filter}, "fullDocument.")...)
	}
	return mongo.Pipeline{bson.D{{Key: "$match", Value: match}}}
}

type mongoSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *mongoSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func (m *Mongo) Subscribe(ctx context.Context, spec domain.SubscriptionSpec, onEvent func(domain.ChangeEvent)) (domain.Subscription, error) {
	ctx, span := m.tracer.Start(ctx, "MongoSubscribe")
	defer span.End()
	span.SetAttributes(attribute.String("collection", spec.Collection))

	if err := checkCollection(spec.Collection); err != nil {
		return nil, err
	}
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetFullDocumentBeforeChange(options.WhenAvailable)
	stream, err := m.db.Collection(spec.Collection).Watch(ctx, changeStreamPipeline(spec), opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to open change stream")
		return nil, fmt.Errorf("failed to open change stream: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	sub := &mongoSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer stop()
		m.pump(streamCtx, stream, spec.Collection, onEvent)
	}()
	return sub, nil
}

func (m *Mongo) pump(ctx context.Context, stream *mongo.ChangeStream, collection string, onEvent func(domain.ChangeEvent)) {
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var change struct {
			OperationType            string              `bson:"operationType"`
			FullDocument             bson.M              `bson:"fullDocument"`
			FullDocumentBeforeChange bson.M              `bson:"fullDocumentBeforeChange"`
			ClusterTime              primitive.Timestamp `bson:"clusterTime"`
		}
		if err := stream.Decode(&change); err != nil {
			m.logger.Error("Failed to decode change stream document", "collection", collection, "error", err)
			continue
		}
		if change.FullDocument == nil {
			m.logger.Warn("Change event without document", "collection", collection, "operation", change.OperationType)
			continue
		}
		ev := domain.ChangeEvent{
			Type:       domain.EventUpdate,
			Collection: collection,
			New:        fromDocument(change.FullDocument),
			CommitTime: time.Unix(int64(change.ClusterTime.T), 0),
		}
		if change.OperationType == "insert" {
			ev.Type = domain.EventInsert
		} else if change.FullDocumentBeforeChange != nil {
			ev.Old = fromDocument(change.FullDocumentBeforeChange)
		}
		onEvent(ev)
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		m.logger.Error("Change stream error", "collection", collection, "error", err)
	}
}
