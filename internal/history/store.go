// Package history keeps the final outcome of each execution in SQLite so it can
// be queried after the callback has been sent. Prompts are stored only as a
// BLAKE3 digest.
package history

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/agent-runner/internal/protocol"
)

// timeLayout is fixed-width so stored timestamps compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned by Get for unknown execution ids.
var ErrNotFound = errors.New("execution not found")

// Record is the persisted outcome of one execution.
type Record struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	Provider       string         `json:"provider,omitempty"`
	WorkspaceType  string         `json:"workspaceType"`
	Repo           string         `json:"repo,omitempty"`
	Branch         string         `json:"branch,omitempty"`
	PromptDigest   string         `json:"promptDigest"`
	DurationMs     int64          `json:"durationMs"`
	TotalCostUSD   float64        `json:"totalCostUsd"`
	InputTokens    int64          `json:"inputTokens"`
	OutputTokens   int64          `json:"outputTokens"`
	NumTurns       int            `json:"numTurns"`
	Result         string         `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CallbackURL    string         `json:"callbackUrl,omitempty"`
	CallbackStatus int            `json:"callbackStatus,omitempty"`
	CallbackError  string         `json:"callbackError,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	CompletedAt    time.Time      `json:"completedAt"`
}

// PromptDigest returns "blake3:<hex>" of the prompt.
func PromptDigest(prompt string) string {
	sum := blake3.Sum256([]byte(prompt))
	return "blake3:" + hex.EncodeToString(sum[:])
}

// NewRecord builds a record from a request and its final payload. provider is
// the name the request resolved to; when resolution never happened it falls
// back to what the request asked for.
func NewRecord(req *protocol.Request, provider string, payload protocol.CallbackPayload, createdAt time.Time) Record {
	if provider == "" {
		provider = req.Agent.Provider
	}
	rec := Record{
		ID:            payload.ID,
		Status:        payload.Status,
		Provider:      provider,
		WorkspaceType: req.Workspace.Kind(),
		PromptDigest:  PromptDigest(req.Prompt),
		DurationMs:    payload.DurationMs,
		TotalCostUSD:  payload.TotalCostUSD,
		InputTokens:   payload.InputTokens,
		OutputTokens:  payload.OutputTokens,
		NumTurns:      payload.NumTurns,
		Result:        payload.Result,
		Error:         payload.Error,
		Metadata:      payload.Metadata,
		CallbackURL:   req.CallbackURL,
		CreatedAt:     createdAt.UTC(),
		CompletedAt:   time.Now().UTC(),
	}
	if req.Workspace != nil {
		rec.Repo = req.Workspace.Repo
		rec.Branch = req.Workspace.Branch
	}
	return rec
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save inserts or replaces the record for rec.ID.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("execution id is empty")
	}

	var metadata any
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO executions(
  id, status, provider, workspace_type, repo, branch, prompt_digest,
  duration_ms, total_cost_usd, input_tokens, output_tokens, num_turns,
  result, error, metadata, callback_url, callback_status, callback_error,
  created_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		rec.ID, rec.Status, nullString(rec.Provider), rec.WorkspaceType, nullString(rec.Repo), nullString(rec.Branch), rec.PromptDigest,
		rec.DurationMs, rec.TotalCostUSD, rec.InputTokens, rec.OutputTokens, rec.NumTurns,
		nullString(rec.Result), nullString(rec.Error), metadata, nullString(rec.CallbackURL), nullInt(rec.CallbackStatus), nullString(rec.CallbackError),
		rec.CreatedAt.UTC().Format(timeLayout), rec.CompletedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// Get returns the record for id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var (
		rec                       Record
		provider, repo, branch    sql.NullString
		result, errText, metadata sql.NullString
		callbackURL, callbackErr  sql.NullString
		callbackStatus            sql.NullInt64
		createdAt, completedAt    string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, status, provider, workspace_type, repo, branch, prompt_digest,
  duration_ms, total_cost_usd, input_tokens, output_tokens, num_turns,
  result, error, metadata, callback_url, callback_status, callback_error,
  created_at, completed_at
FROM executions WHERE id = ?;
`, id).Scan(
		&rec.ID, &rec.Status, &provider, &rec.WorkspaceType, &repo, &branch, &rec.PromptDigest,
		&rec.DurationMs, &rec.TotalCostUSD, &rec.InputTokens, &rec.OutputTokens, &rec.NumTurns,
		&result, &errText, &metadata, &callbackURL, &callbackStatus, &callbackErr,
		&createdAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read execution: %w", err)
	}

	rec.Provider = provider.String
	rec.Repo = repo.String
	rec.Branch = branch.String
	rec.Result = result.String
	rec.Error = errText.String
	rec.CallbackURL = callbackURL.String
	rec.CallbackStatus = int(callbackStatus.Int64)
	rec.CallbackError = callbackErr.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %q: %w", id, err)
		}
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.CompletedAt, err = time.Parse(timeLayout, completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &rec, nil
}

// SetCallback records the outcome of the callback attempt for id.
func (s *Store) SetCallback(ctx context.Context, id string, statusCode int, callbackErr string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE executions SET callback_status = ?, callback_error = ? WHERE id = ?;",
		nullInt(statusCode), nullString(callbackErr), id,
	)
	if err != nil {
		return fmt.Errorf("update callback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Prune deletes records completed before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM executions WHERE completed_at < ?;",
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
