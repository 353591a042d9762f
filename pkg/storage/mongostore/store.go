package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/zoptal/flagkit/pkg/abtest"
	"github.com/zoptal/flagkit/pkg/flag"
	"github.com/zoptal/flagkit/pkg/storage"
)

var _ storage.Provider = (*Store)(nil)

// Predefined errors for the mongostore package.
var (
	ErrFailedToConnect   = errors.New("failed to connect to mongo")
	ErrHealthcheckFailed = errors.New("mongo healthcheck failed")
)

// Collection names.
const (
	colFlags          = "flags"
	colTests          = "tests"
	colParticipations = "participations"
	colConversions    = "conversions"
	colEvaluations    = "evaluations"
	colResults        = "results"
)

// Store is a MongoDB-backed storage.Provider implementation.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New connects to MongoDB and returns a Store. Connection attempts are
// retried per the config before giving up.
func New(ctx context.Context, cfg Config) (*Store, error) {
	for range cfg.RetryAttempts {
		client, err := mongo.Connect(
			options.Client().
				ApplyURI(cfg.ConnectionURL).
				SetConnectTimeout(cfg.ConnectTimeout).
				SetMaxPoolSize(cfg.MaxPoolSize).
				SetMinPoolSize(cfg.MinPoolSize).
				SetMaxConnIdleTime(cfg.MaxConnIdleTime).
				SetRetryWrites(cfg.RetryWrites).
				SetRetryReads(cfg.RetryReads),
		)
		if err == nil {
			if err := client.Ping(ctx, nil); err == nil {
				return &Store{client: client, db: client.Database(cfg.Database)}, nil
			}
			_ = client.Disconnect(ctx)
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrFailedToConnect, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrFailedToConnect
}

func (s *Store) GetAllFlags(ctx context.Context, environment string) ([]flag.Flag, error) {
	cur, err := s.db.Collection(colFlags).Find(ctx, bson.M{"environment": environment})
	if err != nil {
		return nil, err
	}
	var flags []flag.Flag
	if err := cur.All(ctx, &flags); err != nil {
		return nil, err
	}
	return flags, nil
}

func (s *Store) SaveFlag(ctx context.Context, f flag.Flag) error {
	_, err := s.db.Collection(colFlags).ReplaceOne(ctx,
		bson.M{"_id": f.ID}, f, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) DeleteFlag(ctx context.Context, environment, key string) error {
	res, err := s.db.Collection(colFlags).DeleteOne(ctx,
		bson.M{"environment": environment, "key": key})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return flag.ErrFlagNotFound
	}
	return nil
}

func (s *Store) GetLastModifiedTime(ctx context.Context, environment string) (time.Time, error) {
	var doc struct {
		UpdatedAt time.Time `bson:"updated_at"`
	}
	err := s.db.Collection(colFlags).FindOne(ctx,
		bson.M{"environment": environment},
		options.FindOne().
			SetSort(bson.D{{Key: "updated_at", Value: -1}}).
			SetProjection(bson.M{"updated_at": 1}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return doc.UpdatedAt, nil
}

func (s *Store) LogEvaluation(ctx context.Context, e flag.Evaluation) error {
	_, err := s.db.Collection(colEvaluations).InsertOne(ctx, e)
	return err
}

func (s *Store) GetAllTests(ctx context.Context, environment string) ([]abtest.Test, error) {
	cur, err := s.db.Collection(colTests).Find(ctx, bson.M{"environment": environment})
	if err != nil {
		return nil, err
	}
	var tests []abtest.Test
	if err := cur.All(ctx, &tests); err != nil {
		return nil, err
	}
	return tests, nil
}

func (s *Store) SaveTest(ctx context.Context, t abtest.Test) error {
	_, err := s.db.Collection(colTests).ReplaceOne(ctx,
		bson.M{"_id": t.ID}, t, options.Replace().SetUpsert(true))
	return err
}

// RecordParticipation inserts the participation only when no record exists
// for the (test, user) pair: first write wins, keeping assignment sticky
// across processes.
func (s *Store) RecordParticipation(ctx context.Context, p abtest.Participation) error {
	_, err := s.db.Collection(colParticipations).UpdateOne(ctx,
		bson.M{"test_id": p.TestID, "user_id": p.UserID},
		bson.M{"$setOnInsert": p},
		options.UpdateOne().SetUpsert(true))
	return err
}

func (s *Store) GetParticipation(ctx context.Context, testID, userID string) (*abtest.Participation, error) {
	var p abtest.Participation
	err := s.db.Collection(colParticipations).FindOne(ctx,
		bson.M{"test_id": testID, "user_id": userID}).Decode(&p)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, abtest.ErrParticipationNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetParticipations(ctx context.Context, testID string) ([]abtest.Participation, error) {
	cur, err := s.db.Collection(colParticipations).Find(ctx, bson.M{"test_id": testID})
	if err != nil {
		return nil, err
	}
	var out []abtest.Participation
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RecordConversion(ctx context.Context, c abtest.Conversion) error {
	_, err := s.db.Collection(colConversions).InsertOne(ctx, c)
	return err
}

func (s *Store) GetConversions(ctx context.Context, testID string) ([]abtest.Conversion, error) {
	cur, err := s.db.Collection(colConversions).Find(ctx, bson.M{"test_id": testID})
	if err != nil {
		return nil, err
	}
	var out []abtest.Conversion
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SaveResult(ctx context.Context, r abtest.Result) error {
	_, err := s.db.Collection(colResults).ReplaceOne(ctx,
		bson.M{"_id": r.TestID}, r, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) GetResult(ctx context.Context, testID string) (*abtest.Result, error) {
	var r abtest.Result
	err := s.db.Collection(colResults).FindOne(ctx, bson.M{"_id": testID}).Decode(&r)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, abtest.ErrResultNotFound
		}
		return nil, err
	}
	return &r, nil
}

// Healthcheck pings the server. Suitable for readiness probes.
func (s *Store) Healthcheck(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	return nil
}

// Close disconnects the underlying client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
