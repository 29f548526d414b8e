package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

// SenderHistoryAdapter implements out.SenderHistoryStore. Each sender is a
// node linked to the categories its mail fell into, with a count on the edge:
//
//	(:Sender {user_id, email})-[:CLASSIFIED_AS {count}]->(:Category {name})
type SenderHistoryAdapter struct {
	driver neo4j.DriverWithContext
	dbName string
}

func NewSenderHistoryAdapter(driver neo4j.DriverWithContext, dbName string) *SenderHistoryAdapter {
	return &SenderHistoryAdapter{driver: driver, dbName: dbName}
}

func (a *SenderHistoryAdapter) EnsureIndexes(ctx context.Context) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	queries := []string{
		`CREATE CONSTRAINT sender_unique IF NOT EXISTS FOR (s:Sender) REQUIRE (s.user_id, s.email) IS UNIQUE`,
		`CREATE CONSTRAINT category_unique IF NOT EXISTS FOR (c:Category) REQUIRE c.name IS UNIQUE`,
	}
	for _, query := range queries {
		if _, err := session.Run(ctx, query, nil); err != nil {
			return fmt.Errorf("failed to create sender index: %w", err)
		}
	}
	return nil
}

// Get returns nil when the sender has never been seen.
func (a *SenderHistoryAdapter) Get(ctx context.Context, userID, sender string) (*domain.SenderHistory, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: a.dbName,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	email := strings.ToLower(sender)
	result, err := session.Run(ctx, `
		MATCH (s:Sender {user_id: $userID, email: $email})-[r:CLASSIFIED_AS]->(c:Category)
		RETURN c.name AS category, r.count AS count
	`, map[string]interface{}{"userID": userID, "email": email})
	if err != nil {
		return nil, fmt.Errorf("failed to query sender history: %w", err)
	}

	counts := make(map[domain.Category]int)
	for result.Next(ctx) {
		record := result.Record()
		name, _ := record.Get("category")
		count, _ := record.Get("count")
		addCount(counts, name, count)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sender history: %w", err)
	}
	return toHistory(email, counts), nil
}

func (a *SenderHistoryAdapter) Record(ctx context.Context, userID, sender string, category domain.Category) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	_, err := session.Run(ctx, `
		MERGE (s:Sender {user_id: $userID, email: $email})
		MERGE (c:Category {name: $category})
		MERGE (s)-[r:CLASSIFIED_AS]->(c)
		ON CREATE SET r.count = 1
		ON MATCH SET r.count = r.count + 1
		SET s.last_seen = timestamp()
	`, map[string]interface{}{
		"userID":   userID,
		"email":    strings.ToLower(sender),
		"category": string(category),
	})
	if err != nil {
		return fmt.Errorf("failed to record sender category: %w", err)
	}
	return nil
}

// addCount accepts the value types the driver hands back for integers.
func addCount(counts map[domain.Category]int, name, count any) {
	cat, ok := name.(string)
	if !ok || cat == "" {
		return
	}
	switch n := count.(type) {
	case int64:
		counts[domain.Category(cat)] += int(n)
	case int:
		counts[domain.Category(cat)] += n
	case float64:
		counts[domain.Category(cat)] += int(n)
	}
}

func toHistory(email string, counts map[domain.Category]int) *domain.SenderHistory {
	if len(counts) == 0 {
		return nil
	}
	return &domain.SenderHistory{Sender: email, Categories: counts}
}

var _ out.SenderHistoryStore = (*SenderHistoryAdapter)(nil)
