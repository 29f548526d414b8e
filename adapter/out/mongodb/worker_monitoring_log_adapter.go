package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

const (
	collectionMonitoring  = "monitoring_records"
	collectionTransitions = "health_transitions"

	// Transitions older than this are expired by a TTL index.
	transitionRetention = 30 * 24 * time.Hour
)

// MonitoringLogAdapter implements out.MonitoringLogRepository: one snapshot
// document per connection plus an append-only transition log.
type MonitoringLogAdapter struct {
	snapshots   *mongo.Collection
	transitions *mongo.Collection
}

func NewMonitoringLogAdapter(db *mongo.Database) *MonitoringLogAdapter {
	return &MonitoringLogAdapter{
		snapshots:   db.Collection(collectionMonitoring),
		transitions: db.Collection(collectionTransitions),
	}
}

func (a *MonitoringLogAdapter) EnsureIndexes(ctx context.Context) error {
	if _, err := a.snapshots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "connection_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	_, err := a.transitions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "connection_id", Value: 1}, {Key: "at", Value: -1}}},
		{
			Keys:    bson.D{{Key: "at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(transitionRetention.Seconds())),
		},
	})
	return err
}

type transitionDocument struct {
	ConnectionID string    `bson:"connection_id"`
	From         string    `bson:"from"`
	To           string    `bson:"to"`
	Reason       string    `bson:"reason"`
	At           time.Time `bson:"at"`
}

// snapshotDocument flattens the record so the connection id is a plain
// string that filters can match.
type snapshotDocument struct {
	ConnectionID string                   `bson:"connection_id"`
	Record       *domain.MonitoringRecord `bson:"record"`
	UpdatedAt    time.Time                `bson:"updated_at"`
}

func (a *MonitoringLogAdapter) SaveSnapshot(ctx context.Context, rec *domain.MonitoringRecord) error {
	doc := snapshotDocument{
		ConnectionID: rec.ConnectionID.String(),
		Record:       rec.Clone(),
		UpdatedAt:    time.Now().UTC(),
	}
	_, err := a.snapshots.ReplaceOne(ctx,
		bson.M{"connection_id": doc.ConnectionID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save monitoring snapshot: %w", err)
	}
	return nil
}

func (a *MonitoringLogAdapter) AppendTransition(ctx context.Context, connectionID uuid.UUID, t domain.HealthTransition) error {
	_, err := a.transitions.InsertOne(ctx, transitionDocument{
		ConnectionID: connectionID.String(),
		From:         string(t.From),
		To:           string(t.To),
		Reason:       t.Reason,
		At:           t.At.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

var _ out.MonitoringLogRepository = (*MonitoringLogAdapter)(nil)
