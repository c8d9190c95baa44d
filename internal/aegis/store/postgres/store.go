// Package postgres implements the persistent store (C1) against Postgres
// using database/sql and lib/pq, following the donor's raw-SQL repository
// pattern rather than an ORM or sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/fe-row/AEGIS/internal/aegis/model"
)

// Store implements store.Persistent against a *sql.DB opened with the
// "postgres" driver (lib/pq).
type Store struct {
	db *sql.DB
}

// New wraps an already-opened database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens a new connection pool against dsn using the lib/pq driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(db), nil
}

// Ping verifies the connection pool is reachable, for the HTTP health check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSONMap(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// --- Agents -----------------------------------------------------------

func (s *Store) CreateAgent(ctx context.Context, agent *model.Agent, wallet *model.Wallet, profile *model.BehaviorProfile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	agent.CreatedAt, agent.UpdatedAt = now, now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (id, sponsor_id, name, agent_type, status, trust_score, fingerprint, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, agent.ID, agent.SponsorID, agent.Name, agent.AgentType, agent.Status, agent.TrustScore, agent.Fingerprint, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert agent: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO micro_wallets (agent_id, balance, daily_limit, monthly_limit, spent_today, spent_this_month, last_daily_reset, last_monthly_reset, frozen)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $5, false)
	`, agent.ID, wallet.Balance.String(), wallet.DailyLimit.String(), wallet.MonthlyLimit.String(), now)
	if err != nil {
		return fmt.Errorf("postgres: insert wallet: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO behavior_profiles (agent_id, typical_services, hour_frequency, avg_requests_per_hour, avg_cost_per_action, feature_vector, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4, $5)
	`, agent.ID, pq.Array([]string{}), []byte("{}"), pq.Array([]float64{}), now)
	if err != nil {
		return fmt.Errorf("postgres: insert behavior profile: %w", err)
	}

	return tx.Commit()
}

func scanAgent(row interface{ Scan(...interface{}) error }) (*model.Agent, error) {
	a := &model.Agent{}
	if err := row.Scan(&a.ID, &a.SponsorID, &a.Name, &a.AgentType, &a.Status, &a.TrustScore, &a.Fingerprint, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sponsor_id, name, agent_type, status, trust_score, fingerprint, created_at, updated_at
		FROM agents WHERE id = $1
	`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get agent: %w", err)
	}
	return a, nil
}

func (s *Store) GetAgentForSponsor(ctx context.Context, agentID, sponsorID string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sponsor_id, name, agent_type, status, trust_score, fingerprint, created_at, updated_at
		FROM agents WHERE id = $1 AND sponsor_id = $2
	`, agentID, sponsorID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get agent for sponsor: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, sponsorID string, limit, offset int) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sponsor_id, name, agent_type, status, trust_score, fingerprint, created_at, updated_at
		FROM agents WHERE sponsor_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, sponsorID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgentStatus(ctx context.Context, agentID string, status model.AgentStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET status = $1, updated_at = now() WHERE id = $2`, status, agentID)
	if err != nil {
		return fmt.Errorf("postgres: update agent status: %w", err)
	}
	return nil
}

func (s *Store) UpdateAgentTrust(ctx context.Context, agentID string, trustScore float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET trust_score = $1, updated_at = now() WHERE id = $2`, trustScore, agentID)
	if err != nil {
		return fmt.Errorf("postgres: update agent trust: %w", err)
	}
	return nil
}

// --- Permissions --------------------------------------------------------

func (s *Store) GetActivePermission(ctx context.Context, agentID, serviceName string) (*model.Permission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, service_name, allowed_actions, max_requests_per_hour,
		       window_start, window_end, record_cap, requires_hitl, policy_override, active, created_at, updated_at
		FROM agent_permissions WHERE agent_id = $1 AND service_name = $2 AND active = true
	`, agentID, serviceName)

	p := &model.Permission{}
	var override []byte
	var actions pq.StringArray
	err := row.Scan(&p.ID, &p.AgentID, &p.ServiceName, &actions, &p.MaxRequestsPerHr,
		&p.Window.Start, &p.Window.End, &p.RecordCap, &p.RequiresHITL, &override, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get active permission: %w", err)
	}
	p.AllowedActions = []string(actions)
	p.PolicyOverride = unmarshalJSONMap(override)
	return p, nil
}

func (s *Store) UpsertPermission(ctx context.Context, perm *model.Permission) error {
	if perm.ID == "" {
		perm.ID = uuid.NewString()
	}
	override, err := marshalJSON(perm.PolicyOverride)
	if err != nil {
		return fmt.Errorf("postgres: marshal policy override: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// At most one active permission per (agent, service) — spec.md §3.
	if _, err := tx.ExecContext(ctx, `
		UPDATE agent_permissions SET active = false, updated_at = $1
		WHERE agent_id = $2 AND service_name = $3 AND active = true
	`, now, perm.AgentID, perm.ServiceName); err != nil {
		return fmt.Errorf("postgres: deactivate prior permission: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_permissions
			(id, agent_id, service_name, allowed_actions, max_requests_per_hour, window_start, window_end,
			 record_cap, requires_hitl, policy_override, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, true, $11, $11)
	`, perm.ID, perm.AgentID, perm.ServiceName, pq.Array(perm.AllowedActions), perm.MaxRequestsPerHr,
		perm.Window.Start, perm.Window.End, perm.RecordCap, perm.RequiresHITL, override, now)
	if err != nil {
		return fmt.Errorf("postgres: insert permission: %w", err)
	}

	return tx.Commit()
}

func (s *Store) DeactivatePermission(ctx context.Context, agentID, serviceName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_permissions SET active = false, updated_at = now()
		WHERE agent_id = $1 AND service_name = $2 AND active = true
	`, agentID, serviceName)
	if err != nil {
		return fmt.Errorf("postgres: deactivate permission: %w", err)
	}
	return nil
}

// --- Wallets -------------------------------------------------------------

func scanWallet(row interface{ Scan(...interface{}) error }) (*model.Wallet, error) {
	w := &model.Wallet{}
	var balance, daily, monthly, spentToday, spentMonth string
	if err := row.Scan(&w.AgentID, &balance, &daily, &monthly, &spentToday, &spentMonth,
		&w.LastDailyReset, &w.LastMonthlyReset, &w.Frozen); err != nil {
		return nil, err
	}
	var err error
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, err
	}
	if w.DailyLimit, err = decimal.NewFromString(daily); err != nil {
		return nil, err
	}
	if w.MonthlyLimit, err = decimal.NewFromString(monthly); err != nil {
		return nil, err
	}
	if w.SpentToday, err = decimal.NewFromString(spentToday); err != nil {
		return nil, err
	}
	if w.SpentThisMonth, err = decimal.NewFromString(spentMonth); err != nil {
		return nil, err
	}
	return w, nil
}

const walletSelectCols = `agent_id, balance, daily_limit, monthly_limit, spent_today, spent_this_month, last_daily_reset, last_monthly_reset, frozen`

func (s *Store) GetWallet(ctx context.Context, agentID string) (*model.Wallet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+walletSelectCols+` FROM micro_wallets WHERE agent_id = $1`, agentID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get wallet: %w", err)
	}
	return w, nil
}

// WithWalletLock acquires a row-level exclusive lock (SELECT ... FOR UPDATE)
// on the agent's wallet, runs fn with the locked row, and persists whatever
// wallet/transaction fn returns — all within one transaction, matching
// spec.md §4.3's "reserve_and_charge is serializable".
func (s *Store) WithWalletLock(ctx context.Context, agentID string, fn func(ctx context.Context, w *model.Wallet) (*model.Wallet, *model.WalletTransaction, error)) (*model.Wallet, *model.WalletTransaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+walletSelectCols+` FROM micro_wallets WHERE agent_id = $1 FOR UPDATE`, agentID)
	wallet, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: lock wallet: %w", err)
	}

	newWallet, txn, err := fn(ctx, wallet)
	if err != nil {
		return nil, nil, err
	}
	if newWallet == nil {
		// fn declined the charge; nothing to persist, but the read was
		// still consistent under the lock.
		return wallet, nil, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE micro_wallets
		SET balance = $1, spent_today = $2, spent_this_month = $3,
		    last_daily_reset = $4, last_monthly_reset = $5, frozen = $6
		WHERE agent_id = $7
	`, newWallet.Balance.String(), newWallet.SpentToday.String(), newWallet.SpentThisMonth.String(),
		newWallet.LastDailyReset, newWallet.LastMonthlyReset, newWallet.Frozen, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: update wallet: %w", err)
	}

	if txn != nil {
		if txn.ID == "" {
			txn.ID = uuid.NewString()
		}
		txn.CreatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions (id, agent_id, amount, description, service_name, action_type, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, txn.ID, agentID, txn.Amount.String(), txn.Description, txn.ServiceName, txn.ActionType, txn.CreatedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: insert wallet transaction: %w", err)
		}
	}

	return newWallet, txn, tx.Commit()
}

func (s *Store) FreezeWallet(ctx context.Context, agentID string, frozen bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE micro_wallets SET frozen = $1 WHERE agent_id = $2`, frozen, agentID)
	if err != nil {
		return fmt.Errorf("postgres: freeze wallet: %w", err)
	}
	return nil
}

// --- Secrets --------------------------------------------------------------

func (s *Store) GetSecret(ctx context.Context, sponsorID, serviceName string) (*model.Secret, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sponsor_id, service_name, encrypted_value, secret_type, rotation_interval_hours, last_rotated_at
		FROM secret_vault WHERE sponsor_id = $1 AND service_name = $2
	`, sponsorID, serviceName)

	sec := &model.Secret{}
	err := row.Scan(&sec.ID, &sec.SponsorID, &sec.ServiceName, &sec.EncryptedValue, &sec.SecretType, &sec.RotationIntervalH, &sec.LastRotatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get secret: %w", err)
	}
	return sec, nil
}

func (s *Store) UpsertSecret(ctx context.Context, secret *model.Secret) error {
	if secret.ID == "" {
		secret.ID = uuid.NewString()
	}
	if secret.LastRotatedAt.IsZero() {
		secret.LastRotatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secret_vault (id, sponsor_id, service_name, encrypted_value, secret_type, rotation_interval_hours, last_rotated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sponsor_id, service_name) DO UPDATE SET
			encrypted_value = EXCLUDED.encrypted_value,
			secret_type = EXCLUDED.secret_type,
			rotation_interval_hours = EXCLUDED.rotation_interval_hours,
			last_rotated_at = EXCLUDED.last_rotated_at
	`, secret.ID, secret.SponsorID, secret.ServiceName, secret.EncryptedValue, secret.SecretType, secret.RotationIntervalH, secret.LastRotatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert secret: %w", err)
	}
	return nil
}

func (s *Store) ListSecretsForRotation(ctx context.Context, asOf time.Time) ([]*model.Secret, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sponsor_id, service_name, encrypted_value, secret_type, rotation_interval_hours, last_rotated_at
		FROM secret_vault
		WHERE rotation_interval_hours > 0
		  AND last_rotated_at + make_interval(hours => rotation_interval_hours) <= $1
	`, asOf)
	if err != nil {
		return nil, fmt.Errorf("postgres: list secrets for rotation: %w", err)
	}
	defer rows.Close()

	var secrets []*model.Secret
	for rows.Next() {
		sec := &model.Secret{}
		if err := rows.Scan(&sec.ID, &sec.SponsorID, &sec.ServiceName, &sec.EncryptedValue, &sec.SecretType, &sec.RotationIntervalH, &sec.LastRotatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan secret: %w", err)
		}
		secrets = append(secrets, sec)
	}
	return secrets, rows.Err()
}

func (s *Store) MarkSecretRotated(ctx context.Context, secretID string, newEncryptedValue []byte, rotatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE secret_vault SET encrypted_value = $1, last_rotated_at = $2 WHERE id = $3
	`, newEncryptedValue, rotatedAt, secretID)
	if err != nil {
		return fmt.Errorf("postgres: mark secret rotated: %w", err)
	}
	return nil
}

// --- Audit ------------------------------------------------------------
//
// This store never issues DELETE against audit_logs, and its only UPDATE
// (MarkAuditExported) touches tsa_token/exported_at alone (spec.md §6). The
// repository ships no schema DDL, so no database trigger backs this here.

func (s *Store) InsertAuditEntries(ctx context.Context, entries []*model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_logs
			(log_hash, previous_hash, agent_id, sponsor_id, action_type, service_name, prompt, model,
			 permission_granted, policy_evaluation, cost_usd, response_code, client_ip, duration_ms, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`)
	if err != nil {
		return fmt.Errorf("postgres: prepare insert audit: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		policyJSON, err := marshalJSON(e.PolicyEvaluation)
		if err != nil {
			return fmt.Errorf("postgres: marshal policy evaluation: %w", err)
		}
		metaJSON, err := marshalJSON(e.Metadata)
		if err != nil {
			return fmt.Errorf("postgres: marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, e.LogHash, e.PreviousHash, e.AgentID, e.SponsorID, e.ActionType, e.ServiceName,
			e.Prompt, e.Model, e.PermissionGranted, policyJSON, e.CostUSD.String(), e.ResponseCode, e.ClientIP, e.DurationMS, metaJSON, e.CreatedAt); err != nil {
			return fmt.Errorf("postgres: insert audit entry: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) LatestLogHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT log_hash FROM audit_logs ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: latest log hash: %w", err)
	}
	return hash, nil
}

func scanAuditEntry(row interface{ Scan(...interface{}) error }) (*model.AuditEntry, error) {
	e := &model.AuditEntry{}
	var cost string
	var policy, meta []byte
	var tsaToken []byte
	var exportedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.LogHash, &e.PreviousHash, &e.AgentID, &e.SponsorID, &e.ActionType, &e.ServiceName,
		&e.Prompt, &e.Model, &e.PermissionGranted, &policy, &cost, &e.ResponseCode, &e.ClientIP, &e.DurationMS,
		&meta, &e.CreatedAt, &tsaToken, &exportedAt); err != nil {
		return nil, err
	}
	var err error
	if e.CostUSD, err = decimal.NewFromString(cost); err != nil {
		return nil, err
	}
	e.PolicyEvaluation = unmarshalJSONMap(policy)
	e.Metadata = unmarshalJSONMap(meta)
	e.TSAToken = tsaToken
	if exportedAt.Valid {
		e.ExportedAt = &exportedAt.Time
	}
	return e, nil
}

const auditSelectCols = `id, log_hash, previous_hash, agent_id, sponsor_id, action_type, service_name, prompt, model,
	permission_granted, policy_evaluation, cost_usd, response_code, client_ip, duration_ms, metadata, created_at, tsa_token, exported_at`

func (s *Store) QueryAudit(ctx context.Context, sponsorID string, agentID, serviceName string, since *time.Time, limit, offset int) ([]*model.AuditEntry, error) {
	query := `SELECT ` + auditSelectCols + ` FROM audit_logs WHERE sponsor_id = $1`
	args := []interface{}{sponsorID}
	idx := 2

	if agentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", idx)
		args = append(args, agentID)
		idx++
	}
	if serviceName != "" {
		query += fmt.Sprintf(" AND service_name = $%d", idx)
		args = append(args, serviceName)
		idx++
	}
	if since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *since)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) CountRecentAudit(ctx context.Context, agentID string, hours int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM audit_logs WHERE agent_id = $1 AND created_at >= now() - make_interval(hours => $2)
	`, agentID, hours).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count recent audit: %w", err)
	}
	return count, nil
}

// AuditEntriesByID selects rows ascending by id. With no range given it
// selects un-exported rows (the default export candidate set); an
// explicit [fromID, toID] range overrides that and is selected
// regardless of export status, per the forensic re-export path.
func (s *Store) AuditEntriesByID(ctx context.Context, fromID, toID int64, limit int) ([]*model.AuditEntry, error) {
	query := `SELECT ` + auditSelectCols + ` FROM audit_logs WHERE 1=1`
	args := []interface{}{}
	idx := 1
	if fromID > 0 {
		query += fmt.Sprintf(" AND id >= $%d", idx)
		args = append(args, fromID)
		idx++
	}
	if toID > 0 {
		query += fmt.Sprintf(" AND id <= $%d", idx)
		args = append(args, toID)
		idx++
	}
	if fromID <= 0 && toID <= 0 {
		query += " AND exported_at IS NULL"
	}
	query += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: audit entries by id: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) MarkAuditExported(ctx context.Context, ids []int64, exportedAt time.Time, tsaToken []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE audit_logs SET exported_at = $1, tsa_token = $2 WHERE id = ANY($3)
	`, exportedAt, tsaToken, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("postgres: mark audit exported: %w", err)
	}
	return nil
}

func (s *Store) InsertExportLedger(ctx context.Context, batchHash string, fromID, toID int64, exportedBy string, exportedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO immutable_exports (id, batch_hash, from_id, to_id, exported_by, exported_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), batchHash, fromID, toID, exportedBy, exportedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert export ledger: %w", err)
	}
	return nil
}

// --- HITL --------------------------------------------------------------

func (s *Store) CreateHITLRequest(ctx context.Context, req *model.HITLRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	payload, err := marshalJSON(req.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal hitl payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hitl_requests (id, agent_id, sponsor_id, description, payload, estimated_cost, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, req.ID, req.AgentID, req.SponsorID, req.Description, payload, req.EstimatedCost.String(), req.Status, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: insert hitl request: %w", err)
	}
	return nil
}

func scanHITL(row interface{ Scan(...interface{}) error }) (*model.HITLRequest, error) {
	r := &model.HITLRequest{}
	var cost string
	var payload []byte
	var decider, note sql.NullString
	var decidedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.AgentID, &r.SponsorID, &r.Description, &payload, &cost, &r.Status,
		&decider, &note, &r.CreatedAt, &decidedAt, &r.ExpiresAt); err != nil {
		return nil, err
	}
	var err error
	if r.EstimatedCost, err = decimal.NewFromString(cost); err != nil {
		return nil, err
	}
	r.Payload = unmarshalJSONMap(payload)
	r.Decider = decider.String
	r.DecisionNote = note.String
	if decidedAt.Valid {
		r.DecidedAt = &decidedAt.Time
	}
	return r, nil
}

const hitlSelectCols = `id, agent_id, sponsor_id, description, payload, estimated_cost, status, decider, decision_note, created_at, decided_at, expires_at`

func (s *Store) GetHITLRequest(ctx context.Context, id string) (*model.HITLRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hitlSelectCols+` FROM hitl_requests WHERE id = $1`, id)
	r, err := scanHITL(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get hitl request: %w", err)
	}
	return r, nil
}

// DecideHITLRequest implements spec.md §4.10's atomic transition: if the
// request is no longer pending, the current (terminal) state is returned
// unchanged ("first terminal-state write wins").
func (s *Store) DecideHITLRequest(ctx context.Context, id string, now time.Time, approve bool, decider, note string) (*model.HITLRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+hitlSelectCols+` FROM hitl_requests WHERE id = $1 FOR UPDATE`, id)
	current, err := scanHITL(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: lock hitl request: %w", err)
	}

	if current.Status != model.HITLPending {
		return current, tx.Commit()
	}

	var newStatus model.HITLStatus
	if now.After(current.ExpiresAt) {
		newStatus = model.HITLExpired
	} else if approve {
		newStatus = model.HITLApproved
	} else {
		newStatus = model.HITLRejected
	}

	if newStatus == model.HITLExpired {
		_, err = tx.ExecContext(ctx, `UPDATE hitl_requests SET status = $1 WHERE id = $2`, newStatus, id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE hitl_requests SET status = $1, decider = $2, decision_note = $3, decided_at = $4 WHERE id = $5
		`, newStatus, decider, note, now, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: update hitl request: %w", err)
	}

	current.Status = newStatus
	if newStatus != model.HITLExpired {
		current.Decider = decider
		current.DecisionNote = note
		current.DecidedAt = &now
	}
	return current, tx.Commit()
}

func (s *Store) ListPendingHITL(ctx context.Context, sponsorID string) ([]*model.HITLRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+hitlSelectCols+` FROM hitl_requests
		WHERE sponsor_id = $1 AND status = $2 ORDER BY created_at DESC
	`, sponsorID, model.HITLPending)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending hitl: %w", err)
	}
	defer rows.Close()

	var requests []*model.HITLRequest
	for rows.Next() {
		r, err := scanHITL(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan hitl request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// --- Behavior profiles ---------------------------------------------------

func (s *Store) GetBehaviorProfile(ctx context.Context, agentID string) (*model.BehaviorProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, typical_services, hour_frequency, avg_requests_per_hour, avg_cost_per_action, feature_vector, updated_at
		FROM behavior_profiles WHERE agent_id = $1
	`, agentID)

	p := &model.BehaviorProfile{}
	var services pq.StringArray
	var hourFreq []byte
	var avgCost string
	var features pq.Float64Array
	err := row.Scan(&p.AgentID, &services, &hourFreq, &p.AvgRequestsPerH, &avgCost, &features, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get behavior profile: %w", err)
	}
	p.TypicalServices = []string(services)
	p.FeatureVector = []float64(features)
	if p.AvgCostPerAction, err = decimal.NewFromString(avgCost); err != nil {
		return nil, err
	}
	var freq map[string]int
	if len(hourFreq) > 0 {
		if err := json.Unmarshal(hourFreq, &freq); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal hour frequency: %w", err)
		}
	}
	p.HourFrequency = make(map[int]int, len(freq))
	for k, v := range freq {
		var hour int
		fmt.Sscanf(k, "%d", &hour)
		p.HourFrequency[hour] = v
	}
	return p, nil
}

func (s *Store) UpsertBehaviorProfile(ctx context.Context, profile *model.BehaviorProfile) error {
	freq := make(map[string]int, len(profile.HourFrequency))
	for k, v := range profile.HourFrequency {
		freq[fmt.Sprintf("%d", k)] = v
	}
	hourFreq, err := json.Marshal(freq)
	if err != nil {
		return fmt.Errorf("postgres: marshal hour frequency: %w", err)
	}
	profile.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO behavior_profiles (agent_id, typical_services, hour_frequency, avg_requests_per_hour, avg_cost_per_action, feature_vector, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id) DO UPDATE SET
			typical_services = EXCLUDED.typical_services,
			hour_frequency = EXCLUDED.hour_frequency,
			avg_requests_per_hour = EXCLUDED.avg_requests_per_hour,
			avg_cost_per_action = EXCLUDED.avg_cost_per_action,
			feature_vector = EXCLUDED.feature_vector,
			updated_at = EXCLUDED.updated_at
	`, profile.AgentID, pq.Array(profile.TypicalServices), hourFreq, profile.AvgRequestsPerH,
		profile.AvgCostPerAction.String(), pq.Array(profile.FeatureVector), profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert behavior profile: %w", err)
	}
	return nil
}

// --- Snapshots ------------------------------------------------------------

func (s *Store) CreateSnapshot(ctx context.Context, snap *model.StateSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	data, err := marshalJSON(snap.SnapshotData)
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot data: %w", err)
	}
	instructions, err := marshalJSON(snap.RollbackInstructions)
	if err != nil {
		return fmt.Errorf("postgres: marshal rollback instructions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO state_snapshots (id, agent_id, audit_id, snapshot_data, rollback_instructions, rolled_back, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6)
	`, snap.ID, snap.AgentID, snap.AuditID, data, instructions, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert snapshot: %w", err)
	}
	return nil
}

func (s *Store) MarkSnapshotRolledBack(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE state_snapshots SET rolled_back = true, rolled_back_at = $1 WHERE id = $2
	`, at, id)
	if err != nil {
		return fmt.Errorf("postgres: mark snapshot rolled back: %w", err)
	}
	return nil
}

func scanSnapshot(row interface{ Scan(...interface{}) error }) (*model.StateSnapshot, error) {
	snap := &model.StateSnapshot{}
	var data, instructions []byte
	var rolledBackAt sql.NullTime
	if err := row.Scan(&snap.ID, &snap.AgentID, &snap.AuditID, &data, &instructions, &snap.RolledBack, &rolledBackAt, &snap.CreatedAt); err != nil {
		return nil, err
	}
	snap.SnapshotData = unmarshalJSONMap(data)
	snap.RollbackInstructions = unmarshalJSONMap(instructions)
	if rolledBackAt.Valid {
		snap.RolledBackAt = &rolledBackAt.Time
	}
	return snap, nil
}

const snapshotSelectCols = `id, agent_id, audit_id, snapshot_data, rollback_instructions, rolled_back, rolled_back_at, created_at`

// GetSnapshot returns one snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*model.StateSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotSelectCols+` FROM state_snapshots WHERE id = $1`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshotsForAgent returns an agent's snapshots, newest first.
func (s *Store) ListSnapshotsForAgent(ctx context.Context, agentID string, limit int) ([]*model.StateSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotSelectCols+`
		FROM state_snapshots
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*model.StateSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
