// Package mongostore implements chatsync.RemoteStore on MongoDB. Batches run
// in multi-document transactions and subscriptions use change streams, so the
// deployment must be a replica set.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/prismer-ai/chatsync"
)

// updatedAtField holds the write time of each document. It is stripped on
// read and surfaces as Document.UpdateTime.
const updatedAtField = "_updatedAt"

// Store is a chatsync.RemoteStore over one database. Each chatsync
// collection maps to the MongoDB collection of the same name.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    zerolog.Logger
	now    func() time.Time
}

var _ chatsync.RemoteStore = (*Store)(nil)

// Connect dials uri and pings the server.
func Connect(ctx context.Context, uri, database string, log zerolog.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	log.Info().Str("database", database).Msg("mongodb connected")
	return New(client, database, log), nil
}

// New wraps an existing client.
func New(client *mongo.Client, database string, log zerolog.Logger) *Store {
	return &Store{client: client, db: client.Database(database), log: log, now: time.Now}
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) Get(ctx context.Context, collection, id string) (*chatsync.Document, error) {
	var raw bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if err != nil {
		return nil, mapError("get", err)
	}
	doc := fromBSON(collection, raw)
	return &doc, nil
}

func (s *Store) Query(ctx context.Context, q chatsync.Query) ([]chatsync.Document, error) {
	opts := options.Find().SetSort(sortFor(q))
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := s.db.Collection(q.Collection).Find(ctx, filterFor(q), opts)
	if err != nil {
		return nil, mapError("query", err)
	}
	defer cur.Close(ctx)

	var out []chatsync.Document
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, mapError("query", err)
		}
		out = append(out, fromBSON(q.Collection, raw))
	}
	if err := cur.Err(); err != nil {
		return nil, mapError("query", err)
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	kind := chatsync.WriteSet
	if merge {
		kind = chatsync.WriteMerge
	}
	return s.apply(ctx, chatsync.Write{Kind: kind, Collection: collection, ID: id, Data: data})
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.apply(ctx, chatsync.Write{Kind: chatsync.WriteUpdate, Collection: collection, ID: id, Data: fields})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.apply(ctx, chatsync.Write{Kind: chatsync.WriteDelete, Collection: collection, ID: id})
}

// Batch applies writes in one transaction.
func (s *Store) Batch(ctx context.Context, writes []chatsync.Write) error {
	if len(writes) == 0 {
		return nil
	}
	if len(writes) == 1 {
		return s.apply(ctx, writes[0])
	}
	sess, err := s.client.StartSession()
	if err != nil {
		return mapError("batch", err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		for _, w := range writes {
			if err := s.apply(sc, w); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		var se *chatsync.StoreError
		if errors.As(err, &se) {
			return err
		}
		return mapError("batch", err)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, w chatsync.Write) error {
	coll := s.db.Collection(w.Collection)
	filter := bson.M{"_id": w.ID}
	switch w.Kind {
	case chatsync.WriteSet:
		doc := replacementDoc(w.Data, s.now())
		doc["_id"] = w.ID
		_, err := coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
		return mapError("set", err)
	case chatsync.WriteMerge:
		_, err := coll.UpdateOne(ctx, filter, updateDoc(w.Data), options.Update().SetUpsert(true))
		return mapError("merge", err)
	case chatsync.WriteUpdate:
		res, err := coll.UpdateOne(ctx, filter, updateDoc(w.Data))
		if err != nil {
			return mapError("update", err)
		}
		if res.MatchedCount == 0 {
			return chatsync.NewStoreError(chatsync.CodeNotFound, "update", w.Collection+"/"+w.ID, nil)
		}
		return nil
	case chatsync.WriteDelete:
		_, err := coll.DeleteOne(ctx, filter)
		return mapError("delete", err)
	}
	return chatsync.NewStoreError(chatsync.CodeMalformed, "write", "unknown write kind "+string(w.Kind), nil)
}

// replacementDoc resolves transforms against an empty document, as a full
// replace does.
func replacementDoc(data map[string]any, now time.Time) bson.M {
	fresh := make(map[string]any)
	chatsync.ApplyFields(fresh, data, now)
	fresh[updatedAtField] = now.UTC()
	return bson.M(fresh)
}

// updateDoc translates field writes into MongoDB update operators. Dotted
// keys address nested fields in both models.
func updateDoc(fields map[string]any) bson.M {
	set := bson.M{}
	unset := bson.M{}
	addToSet := bson.M{}
	pull := bson.M{}
	currentDate := bson.M{updatedAtField: true}

	for path, v := range fields {
		ft, ok := v.(chatsync.FieldTransform)
		if !ok {
			set[path] = toBSONValue(v)
			continue
		}
		switch ft.Op {
		case chatsync.TransformServerTimestamp:
			currentDate[path] = true
		case chatsync.TransformDelete:
			unset[path] = ""
		case chatsync.TransformArrayUnion:
			addToSet[path] = bson.M{"$each": toBSONArray(ft.Values)}
		case chatsync.TransformArrayRemove:
			pull[path] = bson.M{"$in": toBSONArray(ft.Values)}
		}
	}

	update := bson.M{"$currentDate": currentDate}
	for op, m := range map[string]bson.M{"$set": set, "$unset": unset, "$addToSet": addToSet, "$pull": pull} {
		if len(m) > 0 {
			update[op] = m
		}
	}
	return update
}

func toBSONValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case []string:
		return toBSONArray(stringsToAny(t))
	case []any:
		return toBSONArray(t)
	case map[string]any:
		out := bson.M{}
		for k, e := range t {
			out[k] = toBSONValue(e)
		}
		return out
	case chatsync.FieldTransform:
		// nested transforms resolve as on an empty field
		fresh := map[string]any{}
		chatsync.ApplyFields(fresh, map[string]any{"v": t}, time.Now())
		return toBSONValue(fresh["v"])
	}
	return v
}

func stringsToAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func toBSONArray(vs []any) bson.A {
	out := make(bson.A, len(vs))
	for i, v := range vs {
		out[i] = toBSONValue(v)
	}
	return out
}

func filterFor(q chatsync.Query) bson.D {
	f := bson.D{}
	for _, flt := range q.Filters {
		// equality on an array field matches any element, which is exactly
		// array-contains
		f = append(f, bson.E{Key: flt.Field, Value: toBSONValue(flt.Value)})
	}
	return f
}

func sortFor(q chatsync.Query) bson.D {
	if q.OrderBy == "" {
		return bson.D{{Key: "_id", Value: 1}}
	}
	dir := 1
	if q.Descending {
		dir = -1
	}
	return bson.D{{Key: q.OrderBy, Value: dir}, {Key: "_id", Value: 1}}
}

// ============================================================================
// Change streams
// ============================================================================

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument bson.M `bson:"fullDocument"`
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// Subscribe opens a change stream on the query's collection, delivers the
// current matches as added changes and then follows the stream, filtering
// events through q. Limit applies to the snapshot only.
func (s *Store) Subscribe(ctx context.Context, q chatsync.Query, fn chatsync.ChangeHandler) (chatsync.Subscription, error) {
	coll := s.db.Collection(q.Collection)
	subCtx, cancel := context.WithCancel(ctx)

	// open the stream before the snapshot so nothing falls in between
	stream, err := coll.Watch(subCtx, mongo.Pipeline{}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, mapError("subscribe", err)
	}
	snapshot, err := s.Query(subCtx, q)
	if err != nil {
		cancel()
		_ = stream.Close(context.Background())
		return nil, err
	}

	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer stream.Close(context.Background())

		known := make(map[string]bool, len(snapshot))
		for _, doc := range snapshot {
			known[doc.ID] = true
			deliver(fn, chatsync.Change{Kind: chatsync.ChangeAdded, Doc: doc})
		}
		for stream.Next(subCtx) {
			var ev changeEvent
			if err := stream.Decode(&ev); err != nil {
				s.log.Warn().Err(err).Str("collection", q.Collection).Msg("undecodable change event")
				continue
			}
			if ch, ok := translate(q, ev, known); ok {
				deliver(fn, ch)
			}
		}
		if err := stream.Err(); err != nil && subCtx.Err() == nil {
			s.log.Error().Err(err).Str("collection", q.Collection).Msg("change stream ended")
		}
	}()
	return sub, nil
}

func deliver(fn chatsync.ChangeHandler, ch chatsync.Change) {
	defer func() { recover() }() // swallow panics in user callbacks
	fn(ch)
}

// translate turns a stream event into a query-relative change, tracking
// which documents currently match in known.
func translate(q chatsync.Query, ev changeEvent, known map[string]bool) (chatsync.Change, bool) {
	id := ev.DocumentKey.ID
	switch ev.OperationType {
	case "insert", "update", "replace":
		if ev.FullDocument == nil {
			// deleted before the lookup ran; a delete event follows
			return chatsync.Change{}, false
		}
		doc := fromBSON(q.Collection, ev.FullDocument)
		was, is := known[id], q.Matches(doc.Data)
		switch {
		case is && !was:
			known[id] = true
			return chatsync.Change{Kind: chatsync.ChangeAdded, Doc: doc}, true
		case is && was:
			return chatsync.Change{Kind: chatsync.ChangeModified, Doc: doc}, true
		case !is && was:
			delete(known, id)
			return chatsync.Change{Kind: chatsync.ChangeRemoved, Doc: doc}, true
		}
	case "delete":
		if known[id] {
			delete(known, id)
			return chatsync.Change{Kind: chatsync.ChangeRemoved, Doc: chatsync.Document{ID: id, Collection: q.Collection}}, true
		}
	}
	return chatsync.Change{}, false
}

// ============================================================================
// Values and errors
// ============================================================================

// fromBSON converts a raw document into the chatsync value model: times as
// time.Time in UTC, numbers as float64, arrays as []any, subdocuments as
// map[string]any.
func fromBSON(collection string, raw bson.M) chatsync.Document {
	doc := chatsync.Document{Collection: collection, Data: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case "_id":
			doc.ID = fmt.Sprint(v)
		case updatedAtField:
			if t, ok := fromBSONValue(v).(time.Time); ok {
				doc.UpdateTime = t
			}
		default:
			doc.Data[k] = fromBSONValue(v)
		}
	}
	return doc
}

func fromBSONValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromBSONValue(e)
		}
		return out
	case map[string]any:
		return fromBSONValue(bson.M(t))
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromBSONValue(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSONValue(e)
		}
		return out
	case []any:
		return fromBSONValue(bson.A(t))
	case primitive.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case int:
		return float64(t)
	}
	return v
}

// mapError classifies driver errors. nil stays nil.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, mongo.ErrNoDocuments):
		return chatsync.NewStoreError(chatsync.CodeNotFound, op, "document not found", err)
	case mongo.IsDuplicateKeyError(err):
		return chatsync.NewStoreError(chatsync.CodeConflict, op, "duplicate key", err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err):
		return chatsync.NewStoreError(chatsync.CodeUnavailable, op, "mongodb unreachable", err)
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case 13, 18: // Unauthorized, AuthenticationFailed
			return chatsync.NewStoreError(chatsync.CodePermissionDenied, op, cmdErr.Message, err)
		case 2, 9, 14, 52: // BadValue, FailedToParse, TypeMismatch, DollarPrefixedFieldName
			return chatsync.NewStoreError(chatsync.CodeMalformed, op, cmdErr.Message, err)
		}
	}
	var we mongo.WriteException
	if errors.As(err, &we) && len(we.WriteErrors) > 0 {
		return chatsync.NewStoreError(chatsync.CodeMalformed, op, we.WriteErrors[0].Message, err)
	}
	return chatsync.NewStoreError(chatsync.CodeUnavailable, op, "mongodb error", err)
}
