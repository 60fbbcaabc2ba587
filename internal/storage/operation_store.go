package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ssd-technologies/chainops/internal/fact"
	"github.com/ssd-technologies/chainops/internal/link"
	"github.com/ssd-technologies/chainops/internal/operation"
)

// --- Operations ---

// SaveOperation inserts or replaces the scalar state of an operation.
func (d *DB) SaveOperation(r operation.Record) error {
	conds, err := json.Marshal(r.StoppingConditions)
	if err != nil {
		return fmt.Errorf("save operation: encode stopping conditions: %w", err)
	}
	skipped, err := json.Marshal(r.Skipped)
	if err != nil {
		return fmt.Errorf("save operation: encode skipped: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO operations (id, name, adversary_id, host_group, planner, state, autonomous,
		     jitter_min, jitter_max, phase, stop_requested, visibility, allow_untrusted, cleanup,
		     cleanup_started, stopping_conditions, skipped, next_link_id, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     state = excluded.state,
		     autonomous = excluded.autonomous,
		     phase = excluded.phase,
		     stop_requested = excluded.stop_requested,
		     cleanup = excluded.cleanup,
		     cleanup_started = excluded.cleanup_started,
		     skipped = excluded.skipped,
		     next_link_id = excluded.next_link_id,
		     error = excluded.error,
		     finished_at = excluded.finished_at`,
		r.ID, r.Name, r.AdversaryID, r.Group, r.Planner, string(r.State), boolToInt(r.Autonomous),
		r.JitterMin, r.JitterMax, r.Phase, boolToInt(r.StopRequested), r.Visibility,
		boolToInt(r.AllowUntrusted), string(r.Cleanup), boolToInt(r.CleanupStarted),
		string(conds), string(skipped), r.NextLinkID, r.Error, toUnix(r.Start).Int64, toUnix(r.Finish),
	)
	if err != nil {
		return fmt.Errorf("save operation: %w", err)
	}
	return nil
}

const operationColumns = `id, name, adversary_id, host_group, planner, state, autonomous, jitter_min,
	jitter_max, phase, stop_requested, visibility, allow_untrusted, cleanup, cleanup_started,
	stopping_conditions, skipped, next_link_id, error, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (operation.Record, error) {
	var (
		r                                     operation.Record
		state, cleanup, conds, skipped        string
		autonomous, stop, untrusted, cStarted int
		errText                               sql.NullString
		started                               int64
		finished                              sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Name, &r.AdversaryID, &r.Group, &r.Planner, &state, &autonomous,
		&r.JitterMin, &r.JitterMax, &r.Phase, &stop, &r.Visibility, &untrusted, &cleanup, &cStarted,
		&conds, &skipped, &r.NextLinkID, &errText, &started, &finished); err != nil {
		return r, err
	}
	r.State = operation.State(state)
	r.Cleanup = operation.CleanupDecision(cleanup)
	r.Autonomous = autonomous != 0
	r.StopRequested = stop != 0
	r.AllowUntrusted = untrusted != 0
	r.CleanupStarted = cStarted != 0
	r.Error = errText.String
	r.Start = fromUnix(sql.NullInt64{Int64: started, Valid: true})
	r.Finish = fromUnix(finished)
	if err := json.Unmarshal([]byte(conds), &r.StoppingConditions); err != nil {
		return r, fmt.Errorf("decode stopping conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(skipped), &r.Skipped); err != nil {
		return r, fmt.Errorf("decode skipped: %w", err)
	}
	return r, nil
}

// GetOperation loads one operation with its chain, facts and audit log.
func (d *DB) GetOperation(id string) (*Snapshot, error) {
	r, err := scanOperation(d.db.QueryRow(`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return d.snapshot(r)
}

// ListOperations loads every operation ordered by start time.
func (d *DB) ListOperations() ([]*Snapshot, error) {
	rows, err := d.db.Query(`SELECT ` + operationColumns + ` FROM operations ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	var recs []operation.Record
	for rows.Next() {
		r, err := scanOperation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list operations: %w", err)
	}
	rows.Close()

	out := make([]*Snapshot, 0, len(recs))
	for _, r := range recs {
		s, err := d.snapshot(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *DB) snapshot(r operation.Record) (*Snapshot, error) {
	s := &Snapshot{Record: r}
	var err error
	if s.Chain, err = d.listLinks(r.ID); err != nil {
		return nil, err
	}
	if s.Facts, err = d.listFacts(r.ID); err != nil {
		return nil, err
	}
	if s.Audit, err = d.listAudit(r.ID); err != nil {
		return nil, err
	}
	return s, nil
}

// --- Links ---

// SaveLink inserts or replaces a link.
func (d *DB) SaveLink(l *link.Link) error {
	used, err := json.Marshal(l.Used)
	if err != nil {
		return fmt.Errorf("save link: encode used: %w", err)
	}
	facts, err := json.Marshal(l.Facts)
	if err != nil {
		return fmt.Errorf("save link: encode facts: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT OR REPLACE INTO links (operation_id, id, unique_id, ability_id, ability_version, executor,
		     paw, host, command, rendered, cleanup, status, score, jitter, phase, timeout,
		     decide_at, collect_at, finish_at, pid, exit_code, output, used, facts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.OperationID, l.ID, l.Unique, l.AbilityID, l.AbilityVersion, l.Executor,
		l.Paw, l.Host, l.Command, l.Rendered, boolToInt(l.Cleanup), l.Status.String(), l.Score,
		l.Jitter, l.Phase, l.Timeout, toUnix(l.Decide), toUnix(l.Collect), toUnix(l.Finish),
		l.PID, l.ExitCode, l.Output, string(used), string(facts),
	)
	if err != nil {
		return fmt.Errorf("save link: %w", err)
	}
	return nil
}

func (d *DB) listLinks(opID string) ([]*link.Link, error) {
	rows, err := d.db.Query(
		`SELECT operation_id, id, unique_id, ability_id, ability_version, executor, paw, host,
		     command, rendered, cleanup, status, score, jitter, phase, timeout,
		     decide_at, collect_at, finish_at, pid, exit_code, output, used, facts
		 FROM links WHERE operation_id = ? ORDER BY id`, opID,
	)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var links []*link.Link
	for rows.Next() {
		var (
			l                       link.Link
			host                    sql.NullString
			cleanup                 int
			status, used, facts     string
			decide, collect, finish sql.NullInt64
		)
		if err := rows.Scan(&l.OperationID, &l.ID, &l.Unique, &l.AbilityID, &l.AbilityVersion,
			&l.Executor, &l.Paw, &host, &l.Command, &l.Rendered, &cleanup, &status, &l.Score,
			&l.Jitter, &l.Phase, &l.Timeout, &decide, &collect, &finish, &l.PID, &l.ExitCode,
			&l.Output, &used, &facts); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		if l.Status, err = link.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("scan link %d: %w", l.ID, err)
		}
		l.Host = host.String
		l.Cleanup = cleanup != 0
		l.Decide = fromUnix(decide)
		l.Collect = fromUnix(collect)
		l.Finish = fromUnix(finish)
		if err := json.Unmarshal([]byte(used), &l.Used); err != nil {
			return nil, fmt.Errorf("decode link %d used facts: %w", l.ID, err)
		}
		if err := json.Unmarshal([]byte(facts), &l.Facts); err != nil {
			return nil, fmt.Errorf("decode link %d facts: %w", l.ID, err)
		}
		links = append(links, &l)
	}
	return links, rows.Err()
}

// --- Facts ---

// SaveFact records a fact of an operation. Duplicates of the same fact key
// are ignored.
func (d *DB) SaveFact(opID string, f fact.Fact) error {
	_, err := d.db.Exec(
		`INSERT OR IGNORE INTO facts (operation_id, trait, value, score, link_id, collected_by, technique_id, scope, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		opID, f.Trait, f.Value, f.Score, f.LinkID, f.CollectedBy, f.TechniqueID, f.Scope(), toUnix(f.Created).Int64,
	)
	if err != nil {
		return fmt.Errorf("save fact: %w", err)
	}
	return nil
}

func (d *DB) listFacts(opID string) ([]fact.Fact, error) {
	rows, err := d.db.Query(
		`SELECT trait, value, score, link_id, collected_by, technique_id, created_at
		 FROM facts WHERE operation_id = ? ORDER BY seq`, opID,
	)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []fact.Fact
	for rows.Next() {
		var (
			f             fact.Fact
			by, technique sql.NullString
			created       int64
		)
		if err := rows.Scan(&f.Trait, &f.Value, &f.Score, &f.LinkID, &by, &technique, &created); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.CollectedBy = by.String
		f.TechniqueID = technique.String
		f.Created = fromUnix(sql.NullInt64{Int64: created, Valid: created != 0})
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// --- Audit ---

// SaveAudit appends an audit entry.
func (d *DB) SaveAudit(opID string, e operation.AuditEntry) error {
	_, err := d.db.Exec(
		`INSERT INTO audit (operation_id, at, actor, action, link_id, from_state, to_state, override, conflict, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		opID, toUnix(e.Time).Int64, e.Actor, e.Action, e.LinkID, e.From, e.To,
		boolToInt(e.Override), boolToInt(e.Conflict), e.Note,
	)
	if err != nil {
		return fmt.Errorf("save audit: %w", err)
	}
	return nil
}

func (d *DB) listAudit(opID string) ([]operation.AuditEntry, error) {
	rows, err := d.db.Query(
		`SELECT at, actor, action, link_id, from_state, to_state, override, conflict, note
		 FROM audit WHERE operation_id = ? ORDER BY seq`, opID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []operation.AuditEntry
	for rows.Next() {
		var (
			e                     operation.AuditEntry
			at                    int64
			actor, from, to, note sql.NullString
			override, conflict    int
		)
		if err := rows.Scan(&at, &actor, &e.Action, &e.LinkID, &from, &to, &override, &conflict, &note); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Time = fromUnix(sql.NullInt64{Int64: at, Valid: at != 0})
		e.Actor = actor.String
		e.From = from.String
		e.To = to.String
		e.Note = note.String
		e.Override = override != 0
		e.Conflict = conflict != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
