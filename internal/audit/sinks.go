package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/jonesrussell/north-cloud/acquirer/internal/database"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
)

// StoreSink writes events to the audit_events table.
type StoreSink struct {
	store database.AuditStore
}

// NewStoreSink creates a Postgres-backed sink.
func NewStoreSink(store database.AuditStore) *StoreSink {
	return &StoreSink{store: store}
}

// Name implements Sink.
func (s *StoreSink) Name() string { return "postgres" }

// Write implements Sink.
func (s *StoreSink) Write(ctx context.Context, e *domain.AuditEvent) error {
	return s.store.Insert(ctx, e)
}

// LogSink writes events to the structured logger.
type LogSink struct {
	log logger.Logger
}

// NewLogSink creates a logger-backed sink.
func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Write implements Sink.
func (s *LogSink) Write(_ context.Context, e *domain.AuditEvent) error {
	fields := []logger.Field{
		logger.String("audit_id", e.ID),
		logger.String("kind", string(e.Kind)),
	}
	if e.JobID != nil {
		fields = append(fields, logger.JobID(*e.JobID))
	}
	if e.PolicyID != nil {
		fields = append(fields, logger.PolicyID(*e.PolicyID))
	}
	if e.ClientID != "" {
		fields = append(fields, logger.ClientID(e.ClientID))
	}
	if e.Target != "" {
		fields = append(fields, logger.Target(e.Target))
	}
	if e.Code != "" {
		fields = append(fields, logger.Code(e.Code))
	}
	if e.Detail != "" {
		fields = append(fields, logger.String("detail", e.Detail))
	}
	s.log.Info("Audit event", fields...)
	return nil
}

// ElasticsearchSink mirrors events into an index for search.
type ElasticsearchSink struct {
	client *es.Client
	index  string
}

// NewElasticsearchSink creates a sink indexing into index.
func NewElasticsearchSink(client *es.Client, index string) *ElasticsearchSink {
	return &ElasticsearchSink{client: client, index: index}
}

// Name implements Sink.
func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

// Write implements Sink.
func (s *ElasticsearchSink) Write(ctx context.Context, e *domain.AuditEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	res, err := s.client.Index(
		s.index,
		bytes.NewReader(body),
		s.client.Index.WithContext(ctx),
		s.client.Index.WithDocumentID(e.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to index audit event: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}
