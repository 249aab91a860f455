// Package ledger provides the append-only audit trail of task dispositions and
// telemetry crums. Every entry is hash-chained to the previous entry, making
// any tampering detectable.
package ledger

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/tamv/isabella/internal/codec"
	"github.com/tamv/isabella/internal/core"
)

// GenesisHash is the prev_hash of the first entry
var GenesisHash = "GENESIS:" + strings.Repeat("0", 128)

// timestampLayout is fixed width so stored timestamps sort lexically
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store manages the append-only audit ledger
type Store struct {
	db    *sql.DB
	mu    sync.Mutex
	now   func() time.Time
	newID func() string
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the entry timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides entry id generation
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// NewStore creates a new ledger store
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Entry represents an immutable audit log entry
type Entry struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`      // "task.completed", "crum.tracked", ...
	Actor      string    `json:"actor"`       // agent id, module or "system"
	EntityType string    `json:"entity_type"` // "task", "crum"
	EntityID   string    `json:"entity_id"`
	Details    string    `json:"details"`   // JSON blob
	PrevHash   string    `json:"prev_hash"` // Hash of previous entry (chain)
	Hash       string    `json:"hash"`      // Hash of this entry
}

// Action constants
const (
	ActionTaskBlocked   = "task.blocked"
	ActionTaskCompleted = "task.completed"
	ActionTaskFailed    = "task.failed"
	ActionCrumTracked   = "crum.tracked"
)

// Entity types
const (
	EntityTask = "task"
	EntityCrum = "crum"
)

// ActorSystem is used for entries not attributable to an agent
const ActorSystem = "system"

// Append adds a new entry to the ledger with cryptographic hash chaining.
// This is the ONLY way to add entries.
func (s *Store) Append(action, actor, entityType, entityID string, details any) (*Entry, error) {
	if action == "" || actor == "" {
		return nil, fmt.Errorf("%w: action and actor", core.ErrMissingRequired)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var detailsJSON string
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
		detailsJSON = string(data)
	}

	prevHash, err := s.lastHash()
	if err != nil {
		return nil, fmt.Errorf("get last hash: %w", err)
	}

	entry := &Entry{
		ID:         s.newID(),
		Timestamp:  normalize(s.now()),
		Action:     action,
		Actor:      actor,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    detailsJSON,
		PrevHash:   prevHash,
	}

	entry.Hash, err = computeHash(entry)
	if err != nil {
		return nil, err
	}

	res, err := s.db.Exec(`
		INSERT INTO ledger (id, timestamp, action, actor, entity_type, entity_id, details, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Timestamp.Format(timestampLayout), entry.Action, entry.Actor, entry.EntityType,
		entry.EntityID, entry.Details, entry.PrevHash, entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		entry.Seq = seq
	}

	return entry, nil
}

func (s *Store) lastHash() (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT hash FROM ledger ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return GenesisHash, nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// normalize drops the monotonic reading and pins UTC so the hashed
// timestamp survives a round trip through the database.
func normalize(t time.Time) time.Time {
	return t.UTC().Round(0)
}

// computeHash is hex SHA3-512 of the entry's deterministic CBOR form
func computeHash(entry *Entry) (string, error) {
	data, err := codec.Marshal(codec.Canonical{
		ID:         entry.ID,
		Timestamp:  entry.Timestamp,
		Action:     entry.Action,
		Actor:      entry.Actor,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Details:    entry.Details,
		PrevHash:   entry.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("encode entry: %w", err)
	}
	sum := sha3.Sum512(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain verifies the integrity of the entire ledger chain.
// Returns nil if valid, or a *ChainError describing the first broken link.
func (s *Store) VerifyChain() error {
	rows, err := s.db.Query(`SELECT ` + entryColumns + ` FROM ledger ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	expectedPrevHash := GenesisHash
	entryNum := 0

	for rows.Next() {
		entryNum++
		entry, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan entry %d: %w", entryNum, err)
		}

		if entry.PrevHash != expectedPrevHash {
			return &ChainError{
				EntryNum:     entryNum,
				EntryID:      entry.ID,
				ExpectedHash: expectedPrevHash,
				ActualHash:   entry.PrevHash,
				Type:         ChainBroken,
			}
		}

		expectedHash, err := computeHash(entry)
		if err != nil {
			return err
		}
		if entry.Hash != expectedHash {
			return &ChainError{
				EntryNum:     entryNum,
				EntryID:      entry.ID,
				ExpectedHash: expectedHash,
				ActualHash:   entry.Hash,
				Type:         HashMismatch,
			}
		}

		expectedPrevHash = entry.Hash
	}

	return rows.Err()
}

// Chain error types
const (
	ChainBroken  = "chain_broken"
	HashMismatch = "hash_mismatch"
)

// ChainError represents a broken chain
type ChainError struct {
	EntryNum     int
	EntryID      string
	ExpectedHash string
	ActualHash   string
	Type         string
}

func (e *ChainError) Error() string {
	if e.Type == ChainBroken {
		return fmt.Sprintf("chain broken at entry %d (ID: %s): expected prev_hash %s, got %s",
			e.EntryNum, e.EntryID, abbrev(e.ExpectedHash), abbrev(e.ActualHash))
	}
	return fmt.Sprintf("hash mismatch at entry %d (ID: %s): expected %s, got %s",
		e.EntryNum, e.EntryID, abbrev(e.ExpectedHash), abbrev(e.ActualHash))
}

func abbrev(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "..."
}

// QueryOptions filters entries
type QueryOptions struct {
	Action     string
	Actor      string
	EntityType string
	EntityID   string
	Since      time.Time // inclusive
	Until      time.Time // inclusive
	Limit      int
	Offset     int
}

const entryColumns = `seq, id, timestamp, action, actor, entity_type, entity_id, details, prev_hash, hash`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var entry Entry
	var ts string
	var entityType, entityID, details sql.NullString

	err := row.Scan(
		&entry.Seq, &entry.ID, &ts, &entry.Action, &entry.Actor,
		&entityType, &entityID, &details, &entry.PrevHash, &entry.Hash,
	)
	if err != nil {
		return nil, err
	}

	entry.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	entry.EntityType = entityType.String
	entry.EntityID = entityID.String
	entry.Details = details.String

	return &entry, nil
}

// Query returns entries matching the given criteria, newest first
func (s *Store) Query(opts QueryOptions) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger WHERE 1=1`
	var args []any

	if opts.Action != "" {
		query += " AND action = ?"
		args = append(args, opts.Action)
	}
	if opts.Actor != "" {
		query += " AND actor = ?"
		args = append(args, opts.Actor)
	}
	if opts.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, opts.EntityType)
	}
	if opts.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, opts.EntityID)
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, normalize(opts.Since).Format(timestampLayout))
	}
	if !opts.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, normalize(opts.Until).Format(timestampLayout))
	}

	query += " ORDER BY seq DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		// SQLite requires LIMIT before OFFSET
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// GetByID returns a single entry by ID
func (s *Store) GetByID(id string) (*Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM ledger WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query entry: %w", err)
	}
	return entry, nil
}

// GetRecent returns the most recent entries
func (s *Store) GetRecent(limit int) ([]*Entry, error) {
	return s.Query(QueryOptions{Limit: limit})
}

// Count returns the total number of entries in the ledger
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM ledger").Scan(&count)
	return count, err
}

// GetEntityHistory returns all entries for a specific entity
func (s *Store) GetEntityHistory(entityType, entityID string) ([]*Entry, error) {
	return s.Query(QueryOptions{
		EntityType: entityType,
		EntityID:   entityID,
	})
}

// Summary statistics
type Summary struct {
	TotalEntries int            `json:"total_entries"`
	FirstEntry   *time.Time     `json:"first_entry,omitempty"`
	LastEntry    *time.Time     `json:"last_entry,omitempty"`
	ByAction     map[string]int `json:"by_action"`
	ByActor      map[string]int `json:"by_actor"`
	ChainValid   bool           `json:"chain_valid"`
	ChainError   string         `json:"chain_error,omitempty"`
}

// GetSummary returns statistics about the ledger
func (s *Store) GetSummary() (*Summary, error) {
	summary := &Summary{
		ByAction: make(map[string]int),
		ByActor:  make(map[string]int),
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM ledger").Scan(&summary.TotalEntries); err != nil {
		return nil, err
	}

	var first, last sql.NullString
	if err := s.db.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM ledger").Scan(&first, &last); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, first.String); first.Valid && err == nil {
		summary.FirstEntry = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, last.String); last.Valid && err == nil {
		summary.LastEntry = &t
	}

	if err := s.countBy("action", summary.ByAction); err != nil {
		return nil, err
	}
	if err := s.countBy("actor", summary.ByActor); err != nil {
		return nil, err
	}

	if err := s.VerifyChain(); err != nil {
		summary.ChainError = err.Error()
	} else {
		summary.ChainValid = true
	}

	return summary, nil
}

// countBy fills counts grouped by a fixed column name
func (s *Store) countBy(column string, into map[string]int) error {
	rows, err := s.db.Query("SELECT " + column + ", COUNT(*) FROM ledger GROUP BY " + column)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}

// Recorder writes task dispositions and crums to a Store
type Recorder struct {
	store *Store
}

// NewRecorder creates a recorder for the given store
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// Store returns the underlying store
func (r *Recorder) Store() *Store {
	return r.store
}

// RecordTask records a task in its terminal state
func (r *Recorder) RecordTask(task core.AgentTask) error {
	var action string
	switch task.Status {
	case core.TaskBlocked:
		action = ActionTaskBlocked
	case core.TaskCompleted:
		action = ActionTaskCompleted
	case core.TaskFailed:
		action = ActionTaskFailed
	default:
		return fmt.Errorf("%w: task %s is %s", core.ErrInvalidInput, task.TaskID, task.Status)
	}

	actor := task.Audit.CreatedByAgentID
	if actor == "" {
		actor = ActorSystem
	}

	details := map[string]any{
		"assigned_to":         task.AssignedTo,
		"risk_level":          task.RiskLevel,
		"verified_by_creator": task.VerifiedByCreator,
		"result":              task.Result,
	}
	if task.Audit.CreatorDID != "" {
		details["creator_did"] = task.Audit.CreatorDID
	}

	_, err := r.store.Append(action, actor, EntityTask, task.TaskID, details)
	return err
}

// RecordCrum records a tracked telemetry event. The module is the actor.
func (r *Recorder) RecordCrum(crum core.TAMVCrum) error {
	_, err := r.store.Append(ActionCrumTracked, string(crum.Module), EntityCrum, crum.ID, map[string]any{
		"action":           crum.Action,
		"pattern":          crum.EcgContext.Pattern,
		"intensity":        crum.EcgContext.Intensity,
		"session_duration": crum.EcgContext.SessionDuration,
		"credits":          crum.Impact.Credits,
	})
	return err
}
