package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

const (
	collectionSentHistory = "sent_history"

	// Bodies above this size are gzipped.
	bodyCompressionThreshold = 512
)

// SentHistoryAdapter implements out.SentHistoryRepository.
type SentHistoryAdapter struct {
	collection *mongo.Collection
}

func NewSentHistoryAdapter(db *mongo.Database) *SentHistoryAdapter {
	return &SentHistoryAdapter{collection: db.Collection(collectionSentHistory)}
}

func (a *SentHistoryAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "connection_id", Value: 1}, {Key: "sent_at", Value: -1}}},
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

type sentDocument struct {
	ConnectionID string    `bson:"connection_id"`
	UserID       string    `bson:"user_id"`
	MessageID    string    `bson:"message_id"`
	ProviderRef  string    `bson:"provider_ref"`
	To           string    `bson:"to"`
	Subject      string    `bson:"subject"`
	Body         []byte    `bson:"body"`
	IsCompressed bool      `bson:"is_compressed"`
	SentAt       time.Time `bson:"sent_at"`
}

func toSentDocument(rec *domain.SentRecord) (*sentDocument, error) {
	doc := &sentDocument{
		ConnectionID: rec.ConnectionID.String(),
		UserID:       rec.UserID,
		MessageID:    rec.MessageID.String(),
		ProviderRef:  rec.ProviderRef,
		To:           rec.To,
		Subject:      rec.Subject,
		Body:         []byte(rec.Body),
		SentAt:       rec.SentAt.UTC(),
	}
	if len(doc.Body) > bodyCompressionThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(doc.Body); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		doc.Body = buf.Bytes()
		doc.IsCompressed = true
	}
	return doc, nil
}

func (d *sentDocument) toDomain() (*domain.SentRecord, error) {
	body := d.Body
	if d.IsCompressed {
		zr, err := gzip.NewReader(bytes.NewReader(d.Body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		if body, err = io.ReadAll(zr); err != nil {
			return nil, err
		}
	}
	connID, err := uuid.Parse(d.ConnectionID)
	if err != nil {
		return nil, err
	}
	msgID, err := uuid.Parse(d.MessageID)
	if err != nil {
		return nil, err
	}
	return &domain.SentRecord{
		ConnectionID: connID,
		UserID:       d.UserID,
		MessageID:    msgID,
		ProviderRef:  d.ProviderRef,
		To:           d.To,
		Subject:      d.Subject,
		Body:         string(body),
		SentAt:       d.SentAt,
	}, nil
}

// Record upserts by message so a retried write does not duplicate history.
func (a *SentHistoryAdapter) Record(ctx context.Context, rec *domain.SentRecord) error {
	doc, err := toSentDocument(rec)
	if err != nil {
		return fmt.Errorf("failed to encode sent record: %w", err)
	}
	_, err = a.collection.ReplaceOne(ctx, bson.M{"message_id": doc.MessageID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save sent record: %w", err)
	}
	return nil
}

// ListByConnection returns newest first.
func (a *SentHistoryAdapter) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit int) ([]*domain.SentRecord, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "sent_at", Value: -1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cursor, err := a.collection.Find(ctx, bson.M{"connection_id": connectionID.String()}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list sent history: %w", err)
	}
	defer cursor.Close(ctx)

	var res []*domain.SentRecord
	for cursor.Next(ctx) {
		var doc sentDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode sent record: %w", err)
		}
		rec, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, cursor.Err()
}

var _ out.SentHistoryRepository = (*SentHistoryAdapter)(nil)
