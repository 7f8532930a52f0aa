package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mpataki/autodev/internal/models"
	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

// StoredMessage is one transcript entry with the node and stage that
// produced it.
type StoredMessage struct {
	Seq     int
	Node    string
	Stage   string
	Message models.Message
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer; the driver is not safe for concurrent writes on one file.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		task TEXT NOT NULL,
		team_name TEXT NOT NULL,
		output_dir TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		stage TEXT,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		agent_name TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		sequence_num INTEGER NOT NULL,
		turns INTEGER NOT NULL DEFAULT 0,
		tool_calls INTEGER NOT NULL DEFAULT 0,
		phrase_seen INTEGER NOT NULL DEFAULT 0,
		summary TEXT,
		error TEXT,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		UNIQUE(run_id, sequence_num)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		seq INTEGER NOT NULL,
		node TEXT NOT NULL,
		stage TEXT NOT NULL,
		payload TEXT NOT NULL,
		UNIQUE(run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_executions_run ON executions(run_id);
	CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

const runColumns = `id, created_at, completed_at, task, team_name, output_dir, status, stage, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var completedAt sql.NullTime
	var stage, errText sql.NullString

	err := row.Scan(
		&run.ID, &run.CreatedAt, &completedAt, &run.Task,
		&run.TeamName, &run.OutputDir, &run.Status, &stage, &errText,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.Stage = stage.String
	run.Error = errText.String

	return &run, nil
}

func (s *Storage) CreateRun(run *models.Run) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO runs (task, team_name, output_dir, status, stage)
		 VALUES (?, ?, ?, ?, ?)`,
		run.Task, run.TeamName, run.OutputDir, run.Status, run.Stage,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) GetRun(id int64) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// LatestRun returns the most recent run, or nil when there is none.
func (s *Storage) LatestRun() (*models.Run, error) {
	row := s.db.QueryRow(`SELECT ` + runColumns + ` FROM runs ORDER BY id DESC LIMIT 1`)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *Storage) UpdateRun(run *models.Run) error {
	_, err := s.db.Exec(
		`UPDATE runs SET completed_at = ?, status = ?, stage = ?, error = ? WHERE id = ?`,
		run.CompletedAt, run.Status, run.Stage, run.Error, run.ID,
	)
	return err
}

func (s *Storage) ListRuns(limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// MarkInterrupted fails runs left running by a process that exited
// without finishing them.
func (s *Storage) MarkInterrupted() (int64, error) {
	result, err := s.db.Exec(
		`UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE status IN (?, ?)`,
		models.RunStatusFailed, "interrupted", time.Now(), models.RunStatusPending, models.RunStatusRunning,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Storage) CreateExecution(exec *models.Execution) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO executions (run_id, agent_name, stage, status, sequence_num, turns, tool_calls, phrase_seen, summary, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.RunID, exec.AgentName, exec.Stage, exec.Status, exec.SequenceNum,
		exec.Turns, exec.ToolCalls, exec.PhraseSeen, exec.Summary, exec.Error,
		exec.StartedAt, exec.CompletedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) UpdateExecution(exec *models.Execution) error {
	_, err := s.db.Exec(
		`UPDATE executions SET status = ?, turns = ?, tool_calls = ?, phrase_seen = ?, summary = ?, error = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		exec.Status, exec.Turns, exec.ToolCalls, exec.PhraseSeen, exec.Summary, exec.Error,
		exec.StartedAt, exec.CompletedAt, exec.ID,
	)
	return err
}

func (s *Storage) GetExecutionsForRun(runID int64) ([]*models.Execution, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, agent_name, stage, status, sequence_num, turns, tool_calls, phrase_seen, summary, error, started_at, completed_at
		 FROM executions WHERE run_id = ? ORDER BY sequence_num`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		var exec models.Execution
		var summary, errText sql.NullString
		var startedAt, completedAt sql.NullTime

		err := rows.Scan(
			&exec.ID, &exec.RunID, &exec.AgentName, &exec.Stage, &exec.Status, &exec.SequenceNum,
			&exec.Turns, &exec.ToolCalls, &exec.PhraseSeen, &summary, &errText,
			&startedAt, &completedAt,
		)
		if err != nil {
			return nil, err
		}

		exec.Summary = summary.String
		exec.Error = errText.String
		if startedAt.Valid {
			exec.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			exec.CompletedAt = &completedAt.Time
		}

		execs = append(execs, &exec)
	}

	return execs, rows.Err()
}

// AppendMessages stores msgs after the run's last stored message.
func (s *Storage) AppendMessages(runID int64, node, stage string, msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM messages WHERE run_id = ?`, runID).Scan(&last); err != nil {
		return err
	}
	seq := int(last.Int64)

	for _, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		seq++
		if _, err := tx.Exec(
			`INSERT INTO messages (run_id, seq, node, stage, payload) VALUES (?, ?, ?, ?, ?)`,
			runID, seq, node, stage, string(payload),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Storage) GetMessagesForRun(runID int64) ([]StoredMessage, error) {
	rows, err := s.db.Query(
		`SELECT seq, node, stage, payload FROM messages WHERE run_id = ? ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var sm StoredMessage
		var payload string
		if err := rows.Scan(&sm.Seq, &sm.Node, &sm.Stage, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &sm.Message); err != nil {
			return nil, fmt.Errorf("failed to decode message %d: %w", sm.Seq, err)
		}
		out = append(out, sm)
	}

	return out, rows.Err()
}

// History rebuilds the transcript of a run.
func (s *Storage) History(runID int64) (models.History, error) {
	stored, err := s.GetMessagesForRun(runID)
	if err != nil {
		return nil, err
	}
	h := make(models.History, 0, len(stored))
	for _, sm := range stored {
		h = append(h, sm.Message)
	}
	return h, nil
}

func (s *Storage) DeleteRun(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM executions WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// FormatTimeAgo renders t relative to now for listings.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
