package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rrens/collab-sessions/internal/domain"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionName = "collaboration_sessions"

type sessionDocument struct {
	SessionID    string    `bson:"_id"`
	ProjectID    string    `bson:"projectId"`
	ActiveUsers  []string  `bson:"activeUsers"`
	CreatedAt    time.Time `bson:"createdAt"`
	LastActivity time.Time `bson:"lastActivity"`
}

func (d sessionDocument) toDomain() *domain.CollaborationSession {
	users := d.ActiveUsers
	if users == nil {
		users = []string{}
	}
	return &domain.CollaborationSession{
		SessionID:    d.SessionID,
		ProjectID:    d.ProjectID,
		ActiveUsers:  users,
		CreatedAt:    d.CreatedAt.UTC(),
		LastActivity: d.LastActivity.UTC(),
	}
}

// Store keeps collaboration sessions in a MongoDB collection keyed by session id
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Open connects to MongoDB and prepares the sessions collection
func Open(ctx context.Context, uri, database string, connectTimeout time.Duration) (*Store, error) {
	clientOpts := options.Client().ApplyURI(uri)
	if connectTimeout > 0 {
		clientOpts.SetConnectTimeout(connectTimeout)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping: %w", err)
	}

	s := &Store{
		client: client,
		coll:   client.Database(database).Collection(collectionName),
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.Info().Str("database", database).Msg("connected to mongodb")
	return s, nil
}

// EnsureIndexes creates the project and activity indexes
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "lastActivity", Value: -1}}},
		{Keys: bson.D{{Key: "lastActivity", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Close disconnects the client
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Disconnect(context.Background())
	}
	return nil
}

func (s *Store) Create(ctx context.Context, session *domain.CollaborationSession) error {
	users := session.ActiveUsers
	if users == nil {
		users = []string{}
	}
	_, err := s.coll.InsertOne(ctx, sessionDocument{
		SessionID:    session.SessionID,
		ProjectID:    session.ProjectID,
		ActiveUsers:  users,
		CreatedAt:    session.CreatedAt,
		LastActivity: session.LastActivity,
	})
	if err != nil {
		return fmt.Errorf("failed to create collaboration session: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*domain.CollaborationSession, error) {
	var doc sessionDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collaboration session: %w", err)
	}
	return doc.toDomain(), nil
}

func (s *Store) ListByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.CollaborationSession, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "lastActivity", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := s.coll.Find(ctx, bson.M{"projectId": projectID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list collaboration sessions: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	sessions := []domain.CollaborationSession{}
	for cursor.Next(ctx) {
		var doc sessionDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode collaboration session: %w", err)
		}
		sessions = append(sessions, *doc.toDomain())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate collaboration sessions: %w", err)
	}
	return sessions, nil
}

func (s *Store) Touch(ctx context.Context, sessionID string, activeUsers []string, at time.Time) error {
	if activeUsers == nil {
		activeUsers = []string{}
	}
	res, err := s.coll.UpdateByID(ctx, sessionID, bson.M{
		"$set": bson.M{"activeUsers": activeUsers, "lastActivity": at},
	})
	if err != nil {
		return fmt.Errorf("failed to touch collaboration session: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": sessionID})
	if err != nil {
		return fmt.Errorf("failed to delete collaboration session: %w", err)
	}
	if res.DeletedCount == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *Store) DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"lastActivity": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to purge collaboration sessions: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}
