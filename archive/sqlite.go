// Package archive persists finished circuit proposals and their vote
// records in SQLite.
package archive

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bobg/circuit"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no archived proposal has the requested
// circuit id.
var ErrNotFound = errors.New("archive: proposal not found")

// SQLiteArchive stores proposal records. It implements
// circuit.Archiver.
type SQLiteArchive struct {
	db      *sql.DB
	timeout time.Duration
}

// Open opens (creating if needed) the SQLite database at path and
// returns an archive over it.
func Open(path string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)
	a, err := NewSQLiteArchive(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// NewSQLiteArchive returns an archive over db, creating its tables if
// needed.
func NewSQLiteArchive(db *sql.DB) (*SQLiteArchive, error) {
	a := &SQLiteArchive{db: db, timeout: 5 * time.Second}
	if err := a.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrating archive: %w", err)
	}
	return a, nil
}

// Close closes the underlying database.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

func (a *SQLiteArchive) migrate(ctx context.Context) error {
	for _, query := range schema {
		if _, err := a.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

var schema = []string{`
	CREATE TABLE IF NOT EXISTS proposals (
		circuit_id TEXT PRIMARY KEY,
		requester TEXT NOT NULL,
		requester_node_id TEXT NOT NULL,
		status TEXT NOT NULL,
		quorum_rule TEXT NOT NULL,
		quorum_threshold INTEGER NOT NULL DEFAULT 0,
		quorum_min_votes INTEGER NOT NULL DEFAULT 0,
		voters TEXT NOT NULL,
		members TEXT NOT NULL,
		circuit_hash TEXT NOT NULL DEFAULT '',
		created_time TEXT NOT NULL,
		updated_time TEXT NOT NULL
	);`, `
	CREATE TABLE IF NOT EXISTS proposal_votes (
		circuit_id TEXT NOT NULL,
		voter_node_id TEXT NOT NULL,
		voter TEXT NOT NULL,
		vote TEXT NOT NULL,
		created_time TEXT NOT NULL,
		PRIMARY KEY (circuit_id, voter_node_id)
	);`,
}

// ArchiveProposal stores rec, replacing any earlier record of the same
// circuit.
func (a *SQLiteArchive) ArchiveProposal(rec circuit.ProposalRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	return a.Store(ctx, rec)
}

// Store is ArchiveProposal with a caller-supplied context.
func (a *SQLiteArchive) Store(ctx context.Context, rec circuit.ProposalRecord) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var hash string
	if rec.Hash != ([32]byte{}) {
		hash = hex.EncodeToString(rec.Hash[:])
	}

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO proposals (
		circuit_id, requester, requester_node_id, status, quorum_rule, quorum_threshold, quorum_min_votes, voters, members, circuit_hash, created_time, updated_time
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CircuitID, rec.Requester, string(rec.RequesterNodeID), rec.State.String(),
		rec.Policy.Rule.String(), rec.Policy.Threshold, rec.Policy.MinVotes,
		joinIDs(rec.Voters), joinIDs(rec.Members), hash,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert proposal %s: %w", rec.CircuitID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM proposal_votes WHERE circuit_id = ?`, rec.CircuitID); err != nil {
		return err
	}
	for _, v := range rec.Votes {
		_, err := tx.ExecContext(ctx, `INSERT INTO proposal_votes (
			circuit_id, voter_node_id, voter, vote, created_time
		) VALUES (?, ?, ?, ?, ?)`,
			rec.CircuitID, string(v.VoterNodeID), v.Voter, v.Decision.String(), formatTime(v.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert vote of %s on %s: %w", v.VoterNodeID, rec.CircuitID, err)
		}
	}
	return tx.Commit()
}

// Get returns the archived record of circuitID.
func (a *SQLiteArchive) Get(ctx context.Context, circuitID string) (circuit.ProposalRecord, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT circuit_id, requester, requester_node_id, status, quorum_rule, quorum_threshold, quorum_min_votes, voters, members, circuit_hash, created_time, updated_time
		FROM proposals
		WHERE circuit_id = ?`, circuitID)
	rec, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, circuitID)
	}
	if err != nil {
		return rec, err
	}
	rec.Votes, err = a.votes(ctx, circuitID)
	return rec, err
}

// List returns up to limit archived records, most recently updated
// first.
func (a *SQLiteArchive) List(ctx context.Context, limit int) ([]circuit.ProposalRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT circuit_id, requester, requester_node_id, status, quorum_rule, quorum_threshold, quorum_min_votes, voters, members, circuit_hash, created_time, updated_time
		FROM proposals
		ORDER BY updated_time DESC, circuit_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []circuit.ProposalRecord
	for rows.Next() {
		rec, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		if result[i].Votes, err = a.votes(ctx, result[i].CircuitID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (a *SQLiteArchive) votes(ctx context.Context, circuitID string) (circuit.VoteSet, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT voter_node_id, voter, vote, created_time
		FROM proposal_votes
		WHERE circuit_id = ?`, circuitID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result circuit.VoteSet
	for rows.Next() {
		var nodeID, voter, decision, created string
		if err := rows.Scan(&nodeID, &voter, &decision, &created); err != nil {
			return nil, err
		}
		d, err := circuit.ParseDecision(decision)
		if err != nil {
			return nil, err
		}
		t, err := parseTime(created)
		if err != nil {
			return nil, err
		}
		result.Add(circuit.Vote{
			VoterNodeID: circuit.NodeID(nodeID),
			Voter:       voter,
			CircuitID:   circuitID,
			Decision:    d,
			CreatedAt:   t,
		})
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProposal(s scanner) (circuit.ProposalRecord, error) {
	var (
		rec                           circuit.ProposalRecord
		requesterNodeID, status, rule string
		voters, members, hash         string
		created, updated              string
	)
	err := s.Scan(
		&rec.CircuitID, &rec.Requester, &requesterNodeID, &status,
		&rule, &rec.Policy.Threshold, &rec.Policy.MinVotes,
		&voters, &members, &hash, &created, &updated,
	)
	if err != nil {
		return rec, err
	}

	rec.RequesterNodeID = circuit.NodeID(requesterNodeID)
	if rec.State, err = circuit.ParseState(status); err != nil {
		return rec, err
	}
	if rec.Policy.Rule, err = circuit.ParseQuorumRule(rule); err != nil {
		return rec, err
	}
	rec.Voters = splitIDs(voters)
	rec.Members = splitIDs(members)
	if hash != "" {
		b, err := hex.DecodeString(hash)
		if err != nil || len(b) != len(rec.Hash) {
			return rec, fmt.Errorf("bad circuit hash %q for %s", hash, rec.CircuitID)
		}
		copy(rec.Hash[:], b)
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return rec, err
	}
	return rec, nil
}
