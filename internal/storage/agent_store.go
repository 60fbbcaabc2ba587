package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ssd-technologies/chainops/internal/agent"
)

// --- Agent CRUD ---

// SaveAgent inserts or replaces an agent.
func (d *DB) SaveAgent(a agent.Agent) error {
	executors, err := json.Marshal(a.Executors)
	if err != nil {
		return fmt.Errorf("save agent: encode executors: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT OR REPLACE INTO agents (paw, host, platform, host_group, location, contact, trusted,
		     sleep_min, sleep_max, pid, privilege, executors, last_seen, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Paw, a.Host, a.Platform, a.Group, a.Location, a.Contact, boolToInt(a.Trusted),
		a.SleepMin, a.SleepMax, a.PID, a.Privilege, string(executors), toUnix(a.LastSeen),
		toUnix(a.Created).Int64,
	)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

// ListAgents returns all agents ordered by paw.
func (d *DB) ListAgents() ([]agent.Agent, error) {
	rows, err := d.db.Query(
		`SELECT paw, host, platform, host_group, location, contact, trusted, sleep_min, sleep_max,
		     pid, privilege, executors, last_seen, created_at
		 FROM agents ORDER BY paw`,
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		var (
			a                                       agent.Agent
			host, platform, location, contact, priv sql.NullString
			trusted                                 int
			executors                               string
			lastSeen                                sql.NullInt64
			created                                 int64
		)
		if err := rows.Scan(&a.Paw, &host, &platform, &a.Group, &location, &contact, &trusted,
			&a.SleepMin, &a.SleepMax, &a.PID, &priv, &executors, &lastSeen, &created); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Host = host.String
		a.Platform = platform.String
		a.Location = location.String
		a.Contact = contact.String
		a.Privilege = priv.String
		a.Trusted = trusted == 1
		a.LastSeen = fromUnix(lastSeen)
		a.Created = fromUnix(sql.NullInt64{Int64: created, Valid: created != 0})
		if err := json.Unmarshal([]byte(executors), &a.Executors); err != nil {
			return nil, fmt.Errorf("decode agent %s executors: %w", a.Paw, err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent by paw.
func (d *DB) DeleteAgent(paw string) error {
	res, err := d.db.Exec(`DELETE FROM agents WHERE paw = ?`, paw)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete agent rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete agent: %w", sql.ErrNoRows)
	}
	return nil
}
