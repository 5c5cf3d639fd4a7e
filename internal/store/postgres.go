package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"updatrix/backend/internal/database"
	"updatrix/backend/internal/models"
)

// PostgresStore backs the server with the schema in migrations/.
type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateMachine(ctx context.Context, m *models.Machine) error {
	return s.db.GetContext(ctx, m, `
		INSERT INTO machines (name, address, group_id)
		VALUES ($1, $2, $3)
		RETURNING *
	`, m.Name, m.Address, m.GroupID)
}

func (s *PostgresStore) GetMachine(ctx context.Context, id uuid.UUID) (*models.Machine, error) {
	var m models.Machine
	err := s.db.GetContext(ctx, &m, "SELECT * FROM machines WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMachineNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListMachines(ctx context.Context) ([]models.MachineWithAgent, error) {
	var machines []models.MachineWithAgent
	err := s.db.SelectContext(ctx, &machines, `
		SELECT m.*, a.id as agent_id, a.hostname as agent_hostname,
		       a.active as agent_active, a.last_seen
		FROM machines m
		LEFT JOIN agents a ON a.machine_id = m.id
		ORDER BY m.created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	return machines, nil
}

func (s *PostgresStore) UpdateMachine(ctx context.Context, m *models.Machine) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE machines SET name = $1, address = $2, group_id = $3, updated_at = NOW()
		WHERE id = $4
	`, m.Name, m.Address, m.GroupID, m.ID)
	if err != nil {
		return err
	}
	return noneMeansMissing(res, ErrMachineNotFound)
}

func (s *PostgresStore) DeleteMachine(ctx context.Context, id uuid.UUID) error {
	// Agent identity and assignment history cascade in the schema
	res, err := s.db.ExecContext(ctx, "DELETE FROM machines WHERE id = $1", id)
	if err != nil {
		return err
	}
	return noneMeansMissing(res, ErrMachineNotFound)
}

func (s *PostgresStore) SetMachineCredential(ctx context.Context, id uuid.UUID, ciphertext, ref string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE machines
		SET admin_credential = $1, credential_ref = $2, credential_set = TRUE, updated_at = NOW()
		WHERE id = $3
	`, ciphertext, ref, id)
	if err != nil {
		return err
	}
	return noneMeansMissing(res, ErrMachineNotFound)
}

func (s *PostgresStore) GetMachineCredential(ctx context.Context, id uuid.UUID) (*models.Machine, error) {
	return s.GetMachine(ctx, id)
}

func (s *PostgresStore) SetMachineAccessToken(ctx context.Context, id uuid.UUID, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE machines SET access_token_hash = $1, updated_at = NOW() WHERE id = $2
	`, hash, id)
	if err != nil {
		return err
	}
	return noneMeansMissing(res, ErrMachineNotFound)
}

func (s *PostgresStore) SetMachineVersion(ctx context.Context, id uuid.UUID, version, arch *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE machines SET
			installed_version = CASE WHEN $1::text IS NULL THEN installed_version
			                         WHEN $1 = '' THEN NULL ELSE $1 END,
			installed_arch = CASE WHEN $2::text IS NULL THEN installed_arch
			                      WHEN $2 = '' THEN NULL ELSE $2 END,
			updated_at = NOW()
		WHERE id = $3
	`, version, arch, id)
	if err != nil {
		return err
	}
	return noneMeansMissing(res, ErrMachineNotFound)
}

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *models.Agent) (*models.Agent, error) {
	err := s.db.GetContext(ctx, a, `
		INSERT INTO agents (machine_id, token, hostname, os_version,
		                    reported_version, reported_arch, active, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		ON CONFLICT (machine_id) DO UPDATE SET
			token = EXCLUDED.token,
			hostname = EXCLUDED.hostname,
			os_version = EXCLUDED.os_version,
			reported_version = EXCLUDED.reported_version,
			reported_arch = EXCLUDED.reported_arch,
			active = TRUE,
			last_seen = EXCLUDED.last_seen,
			updated_at = NOW()
		RETURNING *
	`, a.MachineID, a.Token, a.Hostname, a.OSVersion,
		a.ReportedVersion, a.ReportedArch, a.LastSeen)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrMachineNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) GetAgentByToken(ctx context.Context, token string) (*models.Agent, error) {
	var a models.Agent
	err := s.db.GetContext(ctx, &a, "SELECT * FROM agents WHERE token = $1", token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) TouchAgent(ctx context.Context, token string, now time.Time) (*models.Agent, error) {
	var a models.Agent
	err := s.db.GetContext(ctx, &a, `
		UPDATE agents SET last_seen = $1, active = TRUE, updated_at = NOW()
		WHERE token = $2
		RETURNING *
	`, now, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) UpdateAgentVersion(ctx context.Context, token string, version, arch *string, now time.Time) (*models.Agent, error) {
	var a models.Agent
	err := s.db.GetContext(ctx, &a, `
		UPDATE agents SET
			last_seen = $1, active = TRUE,
			reported_version = CASE WHEN $2::text IS NULL THEN reported_version
			                        WHEN $2 = '' THEN NULL ELSE $2 END,
			reported_arch = CASE WHEN $3::text IS NULL THEN reported_arch
			                     WHEN $3 = '' THEN NULL ELSE $3 END,
			updated_at = NOW()
		WHERE token = $4
		RETURNING *
	`, now, version, arch, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = $1", id)
	if err != nil {
		return err
	}
	return noneMeansMissing(res, ErrAgentNotFound)
}

func (s *PostgresStore) SetLiveness(ctx context.Context, machineID uuid.UUID, online bool, asOf time.Time) (bool, error) {
	changed := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if !online {
			// Skip the offline write if a heartbeat advanced last_seen past
			// the reconciliation snapshot
			var fresh bool
			err := tx.GetContext(ctx, &fresh, `
				SELECT EXISTS (
					SELECT 1 FROM agents WHERE machine_id = $1 AND last_seen > $2
				)
			`, machineID, asOf)
			if err != nil {
				return err
			}
			if fresh {
				return nil
			}
		}

		var was bool
		err := tx.GetContext(ctx, &was,
			"SELECT online FROM machines WHERE id = $1 FOR UPDATE", machineID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMachineNotFound
		}
		if err != nil {
			return err
		}

		if was != online {
			_, err = tx.ExecContext(ctx,
				"UPDATE machines SET online = $1, updated_at = NOW() WHERE id = $2",
				online, machineID)
			if err != nil {
				return err
			}
			changed = true
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET active = $1, updated_at = NOW() WHERE machine_id = $2
		`, online, machineID)
		return err
	})
	return changed, err
}

func (s *PostgresStore) ForceMachineOffline(ctx context.Context, machineID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE machines SET online = FALSE, updated_at = NOW()
		WHERE id = $1 AND online = TRUE
	`, machineID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS (SELECT 1 FROM machines WHERE id = $1)", machineID); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrMachineNotFound
	}
	return false, nil
}

func (s *PostgresStore) CreateDistribution(ctx context.Context, d *models.Distribution) error {
	return s.db.GetContext(ctx, d, `
		INSERT INTO distributions (version, arch, size_bytes)
		VALUES ($1, $2, $3)
		RETURNING *
	`, d.Version, d.Arch, d.SizeBytes)
}

func (s *PostgresStore) GetDistribution(ctx context.Context, id uuid.UUID) (*models.Distribution, error) {
	var d models.Distribution
	err := s.db.GetContext(ctx, &d, "SELECT * FROM distributions WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDistributionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) ListDistributions(ctx context.Context) ([]models.Distribution, error) {
	var out []models.Distribution
	err := s.db.SelectContext(ctx, &out, "SELECT * FROM distributions ORDER BY created_at ASC")
	return out, err
}

func (s *PostgresStore) CreateRollout(ctx context.Context, r *models.Rollout, machineIDs []uuid.UUID) ([]models.RolloutAssignment, error) {
	if len(machineIDs) == 0 {
		return nil, ErrNoMachines
	}

	var assignments []models.RolloutAssignment
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var exists bool
		err := tx.GetContext(ctx, &exists,
			"SELECT EXISTS (SELECT 1 FROM distributions WHERE id = $1)", r.DistributionID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrDistributionNotFound
		}

		// Validate every target before any write so the creation is
		// all-or-nothing with a usable error
		var found []uuid.UUID
		err = tx.SelectContext(ctx, &found,
			"SELECT id FROM machines WHERE id = ANY($1)", pq.Array(machineIDs))
		if err != nil {
			return err
		}
		if len(found) != len(machineIDs) {
			have := make(map[uuid.UUID]bool, len(found))
			for _, id := range found {
				have[id] = true
			}
			var missing []uuid.UUID
			for _, id := range machineIDs {
				if !have[id] {
					missing = append(missing, id)
				}
			}
			return &MissingMachinesError{IDs: missing}
		}

		err = tx.GetContext(ctx, r, `
			INSERT INTO rollouts (name, description, distribution_id, status)
			VALUES ($1, $2, $3, 'pending')
			RETURNING *
		`, r.Name, r.Description, r.DistributionID)
		if err != nil {
			return err
		}

		for _, mid := range machineIDs {
			var as models.RolloutAssignment
			err = tx.GetContext(ctx, &as, `
				INSERT INTO rollout_assignments (rollout_id, machine_id, status)
				VALUES ($1, $2, 'pending')
				RETURNING *
			`, r.ID, mid)
			if err != nil {
				return err
			}
			assignments = append(assignments, as)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

func (s *PostgresStore) GetRollout(ctx context.Context, id uuid.UUID) (*models.Rollout, error) {
	var r models.Rollout
	err := s.db.GetContext(ctx, &r, "SELECT * FROM rollouts WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRolloutNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ListRollouts(ctx context.Context, limit int) ([]models.Rollout, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.Rollout
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM rollouts ORDER BY created_at DESC LIMIT $1", limit)
	return out, err
}

func (s *PostgresStore) ListAssignments(ctx context.Context, rolloutID uuid.UUID) ([]models.RolloutAssignment, error) {
	if _, err := s.GetRollout(ctx, rolloutID); err != nil {
		return nil, err
	}
	var out []models.RolloutAssignment
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM rollout_assignments WHERE rollout_id = $1 ORDER BY created_at ASC
	`, rolloutID)
	return out, err
}

func (s *PostgresStore) ListPendingRollouts(ctx context.Context, machineID uuid.UUID) ([]models.Rollout, error) {
	var out []models.Rollout
	err := s.db.SelectContext(ctx, &out, `
		SELECT r.* FROM rollouts r
		JOIN rollout_assignments a ON a.rollout_id = r.id
		WHERE a.machine_id = $1 AND a.status = 'pending' AND r.status = 'pending'
		ORDER BY r.created_at ASC
	`, machineID)
	return out, err
}

func (s *PostgresStore) ReportProgress(ctx context.Context, rolloutID, machineID uuid.UUID, status models.AssignmentStatus, errorMessage *string, now time.Time) (*ProgressResult, error) {
	res := &ProgressResult{}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		// Lock the rollout row so concurrent reports for the same rollout
		// serialize their aggregate recomputes
		var r models.Rollout
		err := tx.GetContext(ctx, &r, "SELECT * FROM rollouts WHERE id = $1 FOR UPDATE", rolloutID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRolloutNotFound
		}
		if err != nil {
			return err
		}
		res.OldStatus = r.Status
		res.NewStatus = r.Status

		var as models.RolloutAssignment
		err = tx.GetContext(ctx, &as, `
			SELECT * FROM rollout_assignments WHERE rollout_id = $1 AND machine_id = $2
		`, rolloutID, machineID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAssignmentNotFound
		}
		if err != nil {
			return err
		}

		// Completed/failed assignments are immutable; retries are acks
		if as.Status == models.AssignmentCompleted || as.Status == models.AssignmentFailed {
			res.Assignment = as
			return nil
		}

		err = tx.GetContext(ctx, &as, `
			UPDATE rollout_assignments SET
				status = $1,
				error_message = $2,
				completed_at = CASE WHEN $1 IN ('completed', 'failed', 'skipped')
				                    THEN COALESCE(completed_at, $3) ELSE completed_at END,
				updated_at = $3
			WHERE id = $4
			RETURNING *
		`, status, errorMessage, now, as.ID)
		if err != nil {
			return err
		}
		res.Assignment = as

		if r.Status == models.RolloutCancelled {
			return nil
		}

		var statuses []models.AssignmentStatus
		err = tx.SelectContext(ctx, &statuses,
			"SELECT status FROM rollout_assignments WHERE rollout_id = $1", rolloutID)
		if err != nil {
			return err
		}
		agg := models.AggregateStatus(statuses)
		if agg != r.Status {
			_, err = tx.ExecContext(ctx,
				"UPDATE rollouts SET status = $1, updated_at = $2 WHERE id = $3",
				agg, now, rolloutID)
			if err != nil {
				return err
			}
			res.NewStatus = agg
			res.Changed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *PostgresStore) CancelRollout(ctx context.Context, id uuid.UUID) (*models.Rollout, error) {
	var r models.Rollout
	err := s.db.GetContext(ctx, &r, `
		UPDATE rollouts SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1
		RETURNING *
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRolloutNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateGroup(ctx context.Context, g *models.MachineGroup) error {
	return s.db.GetContext(ctx, g, `
		INSERT INTO machine_groups (name) VALUES ($1) RETURNING *
	`, g.Name)
}

func (s *PostgresStore) ListGroups(ctx context.Context) ([]models.MachineGroupWithCount, error) {
	var out []models.MachineGroupWithCount
	err := s.db.SelectContext(ctx, &out, `
		SELECT g.*, COUNT(m.id) as machine_count
		FROM machine_groups g
		LEFT JOIN machines m ON m.group_id = g.id
		GROUP BY g.id
		ORDER BY g.created_at ASC
	`)
	return out, err
}

func (s *PostgresStore) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM machine_groups WHERE id = $1", id)
	if err != nil {
		return err
	}
	return noneMeansMissing(res, ErrGroupNotFound)
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func noneMeansMissing(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
