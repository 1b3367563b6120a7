package adapter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/googleapi"
)

// VisitRow is one visit as exported for analytics. Face embeddings are never
// exported.
type VisitRow struct {
	VisitorID            string                 `bigquery:"visitor_id"`
	Name                 string                 `bigquery:"name"`
	Email                string                 `bigquery:"email"`
	Purpose              string                 `bigquery:"purpose"`
	Blacklisted          bool                   `bigquery:"blacklisted"`
	RegisteredAt         time.Time              `bigquery:"registered_at"`
	CheckInTime          time.Time              `bigquery:"check_in_time"`
	CheckOutTime         bigquery.NullTimestamp `bigquery:"check_out_time"`
	ExpectedCheckOutTime string                 `bigquery:"expected_check_out_time"`
	Feedback             string                 `bigquery:"feedback"`
	ReminderSent         bool                   `bigquery:"reminder_sent"`
	ExportedAt           time.Time              `bigquery:"exported_at"`
}

// VisitSink receives exported visits
type VisitSink interface {
	// Put writes rows. insertIDs has one entry per row and lets the sink drop
	// rows that were already written by a previous export.
	Put(ctx context.Context, rows []*VisitRow, insertIDs []string) error
}

type bigqueryClient struct {
	client  *bigquery.Client
	dataset string
	table   string
}

// BigQueryOption is a functional option for BigQuery client
type BigQueryOption func(*bigqueryClient)

// NewBigQuery creates a VisitSink writing to dataset.table. The table is
// created with the VisitRow schema if it does not exist.
func NewBigQuery(ctx context.Context, projectID, dataset, table string, opts ...BigQueryOption) (VisitSink, error) {
	if dataset == "" || table == "" {
		return nil, goerr.New("bigquery dataset and table are required",
			goerr.V("dataset", dataset),
			goerr.V("table", table))
	}

	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}

	bq := &bigqueryClient{
		client:  client,
		dataset: dataset,
		table:   table,
	}
	for _, opt := range opts {
		opt(bq)
	}

	if err := bq.ensureTable(ctx); err != nil {
		return nil, err
	}
	return bq, nil
}

func (bq *bigqueryClient) ensureTable(ctx context.Context) error {
	tbl := bq.client.Dataset(bq.dataset).Table(bq.table)
	if _, err := tbl.Metadata(ctx); err == nil {
		return nil
	} else if !isBigQueryNotFound(err) {
		return goerr.Wrap(err, "failed to get table metadata",
			goerr.V("dataset", bq.dataset),
			goerr.V("table", bq.table))
	}

	schema, err := bigquery.InferSchema(VisitRow{})
	if err != nil {
		return goerr.Wrap(err, "failed to infer visit schema")
	}

	meta := &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "check_in_time",
		},
	}
	if err := tbl.Create(ctx, meta); err != nil {
		return goerr.Wrap(err, "failed to create visit table",
			goerr.V("dataset", bq.dataset),
			goerr.V("table", bq.table))
	}
	return nil
}

func isBigQueryNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// Put streams rows into the table
func (bq *bigqueryClient) Put(ctx context.Context, rows []*VisitRow, insertIDs []string) error {
	if len(rows) != len(insertIDs) {
		return goerr.New("rows and insert IDs differ in length",
			goerr.V("rows", len(rows)),
			goerr.V("insert_ids", len(insertIDs)))
	}
	if len(rows) == 0 {
		return nil
	}

	savers := make([]*bigquery.StructSaver, 0, len(rows))
	for i, row := range rows {
		savers = append(savers, &bigquery.StructSaver{
			Struct:   row,
			InsertID: insertIDs[i],
		})
	}

	inserter := bq.client.Dataset(bq.dataset).Table(bq.table).Inserter()
	if err := inserter.Put(ctx, savers); err != nil {
		return goerr.Wrap(err, "failed to insert visits",
			goerr.V("dataset", bq.dataset),
			goerr.V("table", bq.table),
			goerr.V("rows", len(rows)))
	}
	return nil
}
