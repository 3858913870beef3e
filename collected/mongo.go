package collected

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/logger"
)

// MongoStore is the MongoDB implementation of Store
type MongoStore struct {
	client     *mongo.Client
	db         *mongo.Database
	schemaColl string
	logger     *zap.SugaredLogger
}

// Connect opens the collected-data store and verifies it answers
func Connect(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (*MongoStore, error) {
	if log == nil {
		log = logger.Logger
	}
	timeout := time.Duration(cfg.Mongo.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := options.Client().
		ApplyURI(cfg.MongoURI()).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to collected-data store at %s:%d", cfg.Mongo.Host, cfg.Mongo.Port)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		err = errors.Mark(errors.Wrap(err, "collected-data store did not answer"), errors.ErrServiceUnavailable)
		return nil, errors.WithHint(err, "check the [mongo] section of am.toml")
	}

	schemaColl := cfg.Mongo.PluginSchemaCollection
	if schemaColl == "" {
		schemaColl = CollectionPluginSchema
	}

	log.Named("collected").Infow("Connected to collected-data store",
		logger.FieldHost, cfg.Mongo.Host,
		logger.FieldPort, cfg.Mongo.Port,
		"database", cfg.Mongo.Database)

	return &MongoStore{
		client:     client,
		db:         client.Database(cfg.Mongo.Database),
		schemaColl: schemaColl,
		logger:     log.Named("collected"),
	}, nil
}

// Close disconnects from the server
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) coll(name string) *mongo.Collection {
	return s.db.Collection(name)
}

func findOne[T any](ctx context.Context, c *mongo.Collection, filter bson.M, what string) (*T, error) {
	var out T
	err := c.FindOne(ctx, filter).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(errors.ErrNotFound, "%s not found", what)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", what)
	}
	return &out, nil
}

func findAll[T any](ctx context.Context, c *mongo.Collection, filter bson.M, what string) ([]*T, error) {
	cursor, err := c.Find(ctx, filter, options.Find().SetBatchSize(100))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query %s", what)
	}
	defer cursor.Close(ctx)

	var out []*T
	for cursor.Next(ctx) {
		var doc T
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s", what)
		}
		out = append(out, &doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to iterate %s", what)
	}
	return out, nil
}

func (s *MongoStore) ProjectByName(ctx context.Context, name string) (*Project, error) {
	return findOne[Project](ctx, s.coll(CollectionProject), bson.M{"name": name}, "project "+name)
}

func (s *MongoStore) InsertProject(ctx context.Context, name string) (primitive.ObjectID, error) {
	res, err := s.coll(CollectionProject).InsertOne(ctx, Project{Name: name})
	if err != nil {
		return primitive.NilObjectID, errors.Wrapf(err, "failed to insert project %s", name)
	}
	id, _ := res.InsertedID.(primitive.ObjectID)
	return id, nil
}

func (s *MongoStore) VCSSystems(ctx context.Context, projectID primitive.ObjectID) ([]*VCSSystem, error) {
	return findAll[VCSSystem](ctx, s.coll(CollectionVCSSystem), bson.M{"project_id": projectID}, "vcs systems")
}

func (s *MongoStore) VCSSystemByURL(ctx context.Context, url string) (*VCSSystem, error) {
	return findOne[VCSSystem](ctx, s.coll(CollectionVCSSystem), bson.M{"url": url}, "vcs system "+url)
}

func (s *MongoStore) Commits(ctx context.Context, vcsSystemID primitive.ObjectID) ([]*Commit, error) {
	return findAll[Commit](ctx, s.coll(CollectionCommit), bson.M{"vcs_system_id": vcsSystemID}, "commits")
}

func (s *MongoStore) Commit(ctx context.Context, vcsSystemID primitive.ObjectID, revision string) (*Commit, error) {
	return findOne[Commit](ctx, s.coll(CollectionCommit),
		bson.M{"vcs_system_id": vcsSystemID, "revision_hash": revision}, "commit "+revision)
}

func (s *MongoStore) FileActions(ctx context.Context, commitID primitive.ObjectID) ([]*FileAction, error) {
	actions, err := findAll[FileAction](ctx, s.coll(CollectionFileAction), bson.M{"commit_id": commitID}, "file actions")
	if err != nil || len(actions) == 0 {
		return actions, err
	}

	ids := make([]primitive.ObjectID, 0, len(actions))
	for _, a := range actions {
		ids = append(ids, a.FileID)
	}
	files, err := findAll[File](ctx, s.coll(CollectionFile), bson.M{"_id": bson.M{"$in": ids}}, "files")
	if err != nil {
		return nil, err
	}
	joinPaths(actions, files)
	return actions, nil
}

func joinPaths(actions []*FileAction, files []*File) {
	paths := make(map[primitive.ObjectID]string, len(files))
	for _, f := range files {
		paths[f.ID] = f.Path
	}
	for _, a := range actions {
		a.Path = paths[a.FileID]
	}
}

func (s *MongoStore) CodeEntityStates(ctx context.Context, commitID primitive.ObjectID) ([]*CodeEntityState, error) {
	return findAll[CodeEntityState](ctx, s.coll(CollectionCodeEntityState), bson.M{"commit_id": commitID}, "code entity states")
}

func (s *MongoStore) ClearCodeEntityStateLists(ctx context.Context, vcsSystemID primitive.ObjectID, revisions []string) (ClearResult, error) {
	var result ClearResult
	commits := s.coll(CollectionCommit)

	children, err := findAll[Commit](ctx, commits, bson.M{
		"vcs_system_id": vcsSystemID,
		"parents":       bson.M{"$in": revisions},
		"revision_hash": bson.M{"$nin": revisions},
	}, "child commits")
	if err != nil {
		return result, err
	}

	cleared, err := findAll[Commit](ctx, commits, bson.M{
		"vcs_system_id": vcsSystemID,
		"revision_hash": bson.M{"$in": revisions},
	}, "commits")
	if err != nil {
		return result, err
	}
	clearedIDs := make([]primitive.ObjectID, len(cleared))
	for i, c := range cleared {
		clearedIDs[i] = c.ID
	}

	for _, child := range children {
		res, err := s.coll(CollectionCodeEntityState).UpdateMany(ctx,
			bson.M{"_id": bson.M{"$in": child.CodeEntityStates}, "commit_id": bson.M{"$in": clearedIDs}},
			bson.M{"$set": bson.M{"commit_id": child.ID}})
		if err != nil {
			return result, errors.Wrapf(err, "failed to move code entity states to %s", child.RevisionHash)
		}
		result.MovedStates += res.MatchedCount
		result.ChildrenExamined++
	}

	res, err := commits.UpdateMany(ctx,
		bson.M{"vcs_system_id": vcsSystemID, "revision_hash": bson.M{"$in": revisions}},
		bson.M{"$set": bson.M{"code_entity_states": bson.A{}}})
	if err != nil {
		return result, errors.Wrap(err, "failed to clear code entity state lists")
	}
	result.ClearedCommits = res.MatchedCount
	return result, nil
}

func (s *MongoStore) PluginSchemas(ctx context.Context) ([]PluginSchema, error) {
	docs, err := findAll[PluginSchema](ctx, s.coll(s.schemaColl), bson.M{}, "plugin schemas")
	if err != nil {
		return nil, err
	}
	out := make([]PluginSchema, len(docs))
	for i, d := range docs {
		out[i] = *d
	}
	return out, nil
}

func (s *MongoStore) AddPluginSchema(ctx context.Context, schema PluginSchema) error {
	if _, err := s.coll(s.schemaColl).InsertOne(ctx, schema); err != nil {
		return errors.Wrapf(err, "failed to add schema of %s", schema.Plugin)
	}
	return nil
}

func (s *MongoStore) DeletePluginSchema(ctx context.Context, plugin string) error {
	if _, err := s.coll(s.schemaColl).DeleteOne(ctx, bson.M{"plugin": plugin}); err != nil {
		return errors.Wrapf(err, "failed to delete schema of %s", plugin)
	}
	return nil
}

func (s *MongoStore) DistinctIDs(ctx context.Context, collection, field string, value any) ([]any, error) {
	ids, err := s.coll(collection).Distinct(ctx, "_id", bson.M{field: value})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to collect ids of %s", collection)
	}
	return ids, nil
}

func (s *MongoStore) DeleteMany(ctx context.Context, collection, field string, value any) (int64, error) {
	res, err := s.coll(collection).DeleteMany(ctx, bson.M{field: value})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete from %s", collection)
	}
	return res.DeletedCount, nil
}
