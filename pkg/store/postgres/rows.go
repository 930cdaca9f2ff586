package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/developer-mesh/taskswarm/pkg/models"
	"github.com/developer-mesh/taskswarm/pkg/taskpack"
)

// Row types decouple the SQL schema from the entity structs; the key and the
// properties blob have no direct column mapping.

type requestRow struct {
	ID             int64     `db:"id"`
	Shard          int       `db:"shard"`
	CreatedTS      time.Time `db:"created_ts"`
	Name           string    `db:"name"`
	UserID         string    `db:"user_id"`
	Priority       int       `db:"priority"`
	ExpirationTS   time.Time `db:"expiration_ts"`
	ParentTaskID   string    `db:"parent_task_id"`
	Properties     []byte    `db:"properties"`
	PropertiesHash string    `db:"properties_hash"`
}

func requestToRow(r *models.TaskRequest, shardingLevel int) (*requestRow, error) {
	props, err := json.Marshal(r.Properties)
	if err != nil {
		return nil, fmt.Errorf("marshaling properties: %w", err)
	}
	return &requestRow{
		ID:             r.Key.ID,
		Shard:          int(r.Key.Shard(shardingLevel)),
		CreatedTS:      r.CreatedTS,
		Name:           r.Name,
		UserID:         r.User,
		Priority:       r.Priority,
		ExpirationTS:   r.ExpirationTS,
		ParentTaskID:   r.ParentTaskID,
		Properties:     props,
		PropertiesHash: r.PropertiesHash,
	}, nil
}

func (row *requestRow) toModel() (*models.TaskRequest, error) {
	r := &models.TaskRequest{
		Key:            taskpack.RequestKey{ID: row.ID},
		CreatedTS:      row.CreatedTS,
		Name:           row.Name,
		User:           row.UserID,
		Priority:       row.Priority,
		ExpirationTS:   row.ExpirationTS,
		ParentTaskID:   row.ParentTaskID,
		PropertiesHash: row.PropertiesHash,
	}
	if err := json.Unmarshal(row.Properties, &r.Properties); err != nil {
		return nil, fmt.Errorf("unmarshaling properties of %x: %w", row.ID, err)
	}
	return r, nil
}

type toRunRow struct {
	RequestID    int64     `db:"request_id"`
	QueueNumber  *int64    `db:"queue_number"`
	TryNumber    int       `db:"try_number"`
	ExpirationTS time.Time `db:"expiration_ts"`
}

func toRunToRow(t *models.TaskToRun) *toRunRow {
	return &toRunRow{
		RequestID:    t.Key.RequestID,
		QueueNumber:  t.QueueNumber,
		TryNumber:    t.TryNumber,
		ExpirationTS: t.ExpirationTS,
	}
}

func (row *toRunRow) toModel() *models.TaskToRun {
	return &models.TaskToRun{
		Key:          taskpack.ToRunKey{RequestID: row.RequestID},
		QueueNumber:  row.QueueNumber,
		TryNumber:    row.TryNumber,
		ExpirationTS: row.ExpirationTS,
	}
}

type runResultRow struct {
	RequestID       int64              `db:"request_id"`
	TryNumber       int                `db:"try_number"`
	BotID           string             `db:"bot_id"`
	BotVersion      string             `db:"bot_version"`
	State           string             `db:"state"`
	ExitCodes       models.Int64List   `db:"exit_codes"`
	Durations       models.Float64List `db:"durations"`
	Outputs         models.ByteChunks  `db:"outputs"`
	CostUSD         float64            `db:"cost_usd"`
	StartedTS       time.Time          `db:"started_ts"`
	CompletedTS     *time.Time         `db:"completed_ts"`
	AbandonedTS     *time.Time         `db:"abandoned_ts"`
	ModifiedTS      time.Time          `db:"modified_ts"`
	InternalFailure bool               `db:"internal_failure"`
	ServerVersions  models.StringList  `db:"server_versions"`
	ChildrenTaskIDs models.StringList  `db:"children_task_ids"`
}

func runResultToRow(r *models.TaskRunResult) *runResultRow {
	return &runResultRow{
		RequestID:       r.Key.RequestID,
		TryNumber:       r.Key.TryNumber,
		BotID:           r.BotID,
		BotVersion:      r.BotVersion,
		State:           string(r.State),
		ExitCodes:       r.ExitCodes,
		Durations:       r.Durations,
		Outputs:         r.Outputs,
		CostUSD:         r.CostUSD,
		StartedTS:       r.StartedTS,
		CompletedTS:     r.CompletedTS,
		AbandonedTS:     r.AbandonedTS,
		ModifiedTS:      r.ModifiedTS,
		InternalFailure: r.InternalFailure,
		ServerVersions:  r.ServerVersions,
		ChildrenTaskIDs: r.ChildrenTaskIDs,
	}
}

func (row *runResultRow) toModel() *models.TaskRunResult {
	return &models.TaskRunResult{
		Key:             taskpack.RunResultKey{RequestID: row.RequestID, TryNumber: row.TryNumber},
		BotID:           row.BotID,
		BotVersion:      row.BotVersion,
		TryNumber:       row.TryNumber,
		State:           models.TaskState(row.State),
		ExitCodes:       row.ExitCodes,
		Durations:       row.Durations,
		Outputs:         row.Outputs,
		CostUSD:         row.CostUSD,
		StartedTS:       row.StartedTS,
		CompletedTS:     row.CompletedTS,
		AbandonedTS:     row.AbandonedTS,
		ModifiedTS:      row.ModifiedTS,
		InternalFailure: row.InternalFailure,
		ServerVersions:  row.ServerVersions,
		ChildrenTaskIDs: row.ChildrenTaskIDs,
	}
}

type summaryRow struct {
	RequestID       int64              `db:"request_id"`
	CreatedTS       time.Time          `db:"created_ts"`
	Name            string             `db:"name"`
	UserID          string             `db:"user_id"`
	State           string             `db:"state"`
	BotID           string             `db:"bot_id"`
	BotVersion      string             `db:"bot_version"`
	TryNumber       int                `db:"try_number"`
	ExitCodes       models.Int64List   `db:"exit_codes"`
	Durations       models.Float64List `db:"durations"`
	StartedTS       time.Time          `db:"started_ts"`
	CompletedTS     *time.Time         `db:"completed_ts"`
	AbandonedTS     *time.Time         `db:"abandoned_ts"`
	ModifiedTS      time.Time          `db:"modified_ts"`
	InternalFailure bool               `db:"internal_failure"`
	CostsUSD        models.Float64List `db:"costs_usd"`
	CostSavedUSD    *float64           `db:"cost_saved_usd"`
	DedupedFrom     string             `db:"deduped_from"`
	PropertiesHash  string             `db:"properties_hash"`
	ChildrenTaskIDs models.StringList  `db:"children_task_ids"`
}

func summaryToRow(s *models.TaskResultSummary) *summaryRow {
	return &summaryRow{
		RequestID:       s.Key.RequestID,
		CreatedTS:       s.CreatedTS,
		Name:            s.Name,
		UserID:          s.User,
		State:           string(s.State),
		BotID:           s.BotID,
		BotVersion:      s.BotVersion,
		TryNumber:       s.TryNumber,
		ExitCodes:       s.ExitCodes,
		Durations:       s.Durations,
		StartedTS:       s.StartedTS,
		CompletedTS:     s.CompletedTS,
		AbandonedTS:     s.AbandonedTS,
		ModifiedTS:      s.ModifiedTS,
		InternalFailure: s.InternalFailure,
		CostsUSD:        s.CostsUSD,
		CostSavedUSD:    s.CostSavedUSD,
		DedupedFrom:     s.DedupedFrom,
		PropertiesHash:  s.PropertiesHash,
		ChildrenTaskIDs: s.ChildrenTaskIDs,
	}
}

func (row *summaryRow) toModel() *models.TaskResultSummary {
	return &models.TaskResultSummary{
		Key:             taskpack.ResultSummaryKey{RequestID: row.RequestID},
		CreatedTS:       row.CreatedTS,
		Name:            row.Name,
		User:            row.UserID,
		State:           models.TaskState(row.State),
		BotID:           row.BotID,
		BotVersion:      row.BotVersion,
		TryNumber:       row.TryNumber,
		ExitCodes:       row.ExitCodes,
		Durations:       row.Durations,
		StartedTS:       row.StartedTS,
		CompletedTS:     row.CompletedTS,
		AbandonedTS:     row.AbandonedTS,
		ModifiedTS:      row.ModifiedTS,
		InternalFailure: row.InternalFailure,
		CostsUSD:        row.CostsUSD,
		CostSavedUSD:    row.CostSavedUSD,
		DedupedFrom:     row.DedupedFrom,
		PropertiesHash:  row.PropertiesHash,
		ChildrenTaskIDs: row.ChildrenTaskIDs,
	}
}
