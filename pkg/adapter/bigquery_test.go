package adapter_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lobby/pkg/adapter"
)

func TestBigQuery(t *testing.T) {
	projectID := os.Getenv("TEST_BIGQUERY_PROJECT")
	if projectID == "" {
		t.Skip("TEST_BIGQUERY_PROJECT is not set")
	}

	datasetID := os.Getenv("TEST_BIGQUERY_DATASET")
	if datasetID == "" {
		t.Skip("TEST_BIGQUERY_DATASET is not set")
	}

	table := os.Getenv("TEST_BIGQUERY_TABLE")
	if table == "" {
		t.Skip("TEST_BIGQUERY_TABLE is not set")
	}

	ctx := context.Background()
	sink, err := adapter.NewBigQuery(ctx, projectID, datasetID, table)
	gt.NoError(t, err)

	now := time.Now()
	row := &adapter.VisitRow{
		VisitorID:    fmt.Sprintf("test-%d", now.UnixNano()),
		Name:         "Blue",
		Email:        "blue@example.com",
		RegisteredAt: now.Add(-time.Hour),
		CheckInTime:  now.Add(-30 * time.Minute),
		CheckOutTime: bigquery.NullTimestamp{Timestamp: now, Valid: true},
		ExportedAt:   now,
	}

	t.Run("Put", func(t *testing.T) {
		gt.NoError(t, sink.Put(ctx, []*adapter.VisitRow{row}, []string{row.VisitorID}))
	})

	t.Run("Put with mismatched IDs", func(t *testing.T) {
		gt.Error(t, sink.Put(ctx, []*adapter.VisitRow{row}, nil))
	})

	t.Run("Put nothing", func(t *testing.T) {
		gt.NoError(t, sink.Put(ctx, nil, nil))
	})
}

func TestNewBigQueryRequiresTable(t *testing.T) {
	_, err := adapter.NewBigQuery(context.Background(), "project", "", "")
	gt.Error(t, err)
}
