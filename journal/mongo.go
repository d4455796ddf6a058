package journal

import (
	"context"

	"github.com/pkg/errors"
	"github.com/xyths/qtrd/registry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names used by Mongo.
const (
	EventsColl    = "events"
	InstancesColl = "instances"
)

// MongoConfig locates the journal database.
type MongoConfig struct {
	URI      string `json:"uri" yaml:"uri" env:"QTRD_MONGO_URI"`
	Database string `json:"database" yaml:"database" env:"QTRD_MONGO_DATABASE" envDefault:"qtrd"`
}

// Mongo stores events and instance state in MongoDB.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// DialMongo connects and pings the server.
func DialMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "ping mongo")
	}
	return NewMongo(client.Database(cfg.Database)), nil
}

// NewMongo uses an already connected database.
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{client: db.Client(), db: db}
}

func (m *Mongo) Record(ctx context.Context, e Event) error {
	_, err := m.db.Collection(EventsColl).InsertOne(ctx, e)
	return errors.Wrap(err, "insert event")
}

// Mirror upserts the instance document keyed by instance id.
func (m *Mongo) Mirror(ctx context.Context, rec registry.Record) error {
	opts := options.Update().SetUpsert(true)
	_, err := m.db.Collection(InstancesColl).UpdateOne(ctx,
		bson.D{
			{Key: "instanceId", Value: rec.InstanceID},
		},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "pid", Value: rec.PID},
				{Key: "workerPid", Value: rec.WorkerPID},
				{Key: "webPort", Value: rec.WebPort},
				{Key: "configFile", Value: rec.ConfigFile},
				{Key: "logDir", Value: rec.LogDir},
				{Key: "startedAt", Value: rec.StartedAt},
				{Key: "status", Value: rec.Status},
				{Key: "runId", Value: rec.RunID},
			}},
			{Key: "$currentDate", Value: bson.D{
				{Key: "lastModified", Value: true},
			}},
		}, opts)
	return errors.Wrap(err, "upsert instance")
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
