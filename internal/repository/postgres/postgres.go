package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PragyanCoder/orbitec/internal/domain"
	"github.com/PragyanCoder/orbitec/internal/repository"
	"github.com/PragyanCoder/orbitec/pkg/crypto"
)

const (
	uniqueViolation           = "23505"
	foreignKeyViolation       = "23503"
	invalidTextRepresentation = "22P02"

	subdomainConstraint        = "applications_subdomain_key"
	runningPortConstraint      = "applications_running_port_idx"
	activeDeploymentConstraint = "deployments_one_active_idx"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	sealer crypto.EnvSealer
}

// New constructs a Repository. Application env vars are sealed with sealer.
func New(pool *pgxpool.Pool, sealer crypto.EnvSealer) *Repository {
	return &Repository{pool: pool, sealer: sealer}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ApplicationRepository = (*Repository)(nil)
	_ repository.DeploymentRepository  = (*Repository)(nil)
	_ repository.LogRepository         = (*Repository)(nil)
	_ repository.BillingRepository     = (*Repository)(nil)
	_ repository.Store                 = (*Repository)(nil)
)

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// translate maps driver errors to repository errors. Ids are uuid columns,
// so a malformed id can never name a row and reads as not found.
func translate(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case invalidTextRepresentation, foreignKeyViolation:
		return repository.ErrNotFound
	case uniqueViolation:
	default:
		return err
	}
	switch pgErr.ConstraintName {
	case subdomainConstraint:
		return repository.ErrDuplicateSubdomain
	case runningPortConstraint:
		return repository.ErrPortInUse
	case activeDeploymentConstraint:
		return repository.ErrActiveDeployment
	}
	return err
}

const applicationColumns = `id, owner_id, name, repo_url, branch, env_vars, status, subdomain, port,
	COALESCE(container_id, ''), suspended, created_at, updated_at, last_deployed_at`

func (r *Repository) scanApplication(row pgx.Row) (*domain.Application, error) {
	var (
		app     domain.Application
		envVars []byte
	)
	if err := row.Scan(&app.ID, &app.OwnerID, &app.Name, &app.RepoURL, &app.Branch, &envVars, &app.Status,
		&app.Subdomain, &app.Port, &app.ContainerID, &app.Suspended, &app.CreatedAt, &app.UpdatedAt, &app.LastDeployedAt); err != nil {
		return nil, err
	}
	vars, err := r.sealer.Open(envVars)
	if err != nil {
		return nil, fmt.Errorf("application %s: %w", app.ID, err)
	}
	app.EnvVars = vars
	return &app, nil
}

// CreateApplication inserts the application and its first deployment in one transaction.
func (r *Repository) CreateApplication(ctx context.Context, app *domain.Application, deployment *domain.Deployment) error {
	envVars, err := r.sealer.Seal(app.EnvVars)
	if err != nil {
		return err
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insertApp = `INSERT INTO applications (id, owner_id, name, repo_url, branch, env_vars, status, subdomain, suspended, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if _, err := tx.Exec(ctx, insertApp, app.ID, app.OwnerID, app.Name, app.RepoURL, app.Branch, envVars,
		app.Status, app.Subdomain, app.Suspended, app.CreatedAt, app.UpdatedAt); err != nil {
		return translate(err)
	}
	if err := insertDeployment(ctx, tx, deployment); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertDeployment(ctx context.Context, tx pgx.Tx, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, application_id, status, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, query, d.ID, d.ApplicationID, d.Status, d.CreatedAt); err != nil {
		return translate(err)
	}
	return nil
}

// GetApplicationByID fetches an application.
func (r *Repository) GetApplicationByID(ctx context.Context, id string) (*domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`
	app, err := r.scanApplication(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, translate(err)
	}
	return app, nil
}

// GetApplicationBySubdomain fetches an application by its subdomain.
func (r *Repository) GetApplicationBySubdomain(ctx context.Context, subdomain string) (*domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE subdomain = $1`
	app, err := r.scanApplication(r.pool.QueryRow(ctx, query, subdomain))
	if err != nil {
		return nil, translate(err)
	}
	return app, nil
}

// ListApplicationsByOwner returns the owner's applications, newest first.
func (r *Repository) ListApplicationsByOwner(ctx context.Context, ownerID string) ([]domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := make([]domain.Application, 0)
	for rows.Next() {
		app, err := r.scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

// UpdateApplicationStatus sets an application's status.
func (r *Repository) UpdateApplicationStatus(ctx context.Context, id, status string) error {
	const query = `UPDATE applications SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetApplicationSuspended sets or clears the suspended flag.
func (r *Repository) SetApplicationSuspended(ctx context.Context, id string, suspended bool) error {
	const query = `UPDATE applications SET suspended = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, suspended)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateApplicationSource rewrites the fields the next deployment builds from.
func (r *Repository) UpdateApplicationSource(ctx context.Context, app *domain.Application) error {
	envVars, err := r.sealer.Seal(app.EnvVars)
	if err != nil {
		return err
	}
	const query = `UPDATE applications SET name = $2, repo_url = $3, branch = $4, env_vars = $5, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, app.ID, app.Name, app.RepoURL, app.Branch, envVars)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RelocateApplication records a relaunched container on a new port. The
// running port index rejects a port another application holds.
func (r *Repository) RelocateApplication(ctx context.Context, id, containerID string, port int) error {
	const query = `UPDATE applications SET status = 'running', container_id = $2, port = $3, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, containerID, port)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteApplication removes an application; deployments and logs cascade.
func (r *Repository) DeleteApplication(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM applications WHERE id = $1`, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListActivePorts returns ports bound to running applications.
func (r *Repository) ListActivePorts(ctx context.Context) ([]int, error) {
	const query = `SELECT port FROM applications WHERE status = 'running' AND port IS NOT NULL`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ports := make([]int, 0)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, rows.Err()
}

// BeginRebuild inserts a pending deployment and moves the application to building.
func (r *Repository) BeginRebuild(ctx context.Context, deployment *domain.Deployment) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertDeployment(ctx, tx, deployment); err != nil {
		return err
	}
	const query = `UPDATE applications SET status = 'building', updated_at = NOW() WHERE id = $1`
	tag, err := tx.Exec(ctx, query, deployment.ApplicationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return tx.Commit(ctx)
}

const deploymentColumns = `id, application_id, status, COALESCE(error, ''), build_duration_ms, created_at, finished_at`

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d          domain.Deployment
		durationMS *int64
	)
	if err := row.Scan(&d.ID, &d.ApplicationID, &d.Status, &d.Error, &durationMS, &d.CreatedAt, &d.FinishedAt); err != nil {
		return nil, err
	}
	if durationMS != nil {
		dur := time.Duration(*durationMS) * time.Millisecond
		d.BuildDuration = &dur
	}
	return &d, nil
}

// GetDeploymentByID fetches a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, translate(err)
	}
	return d, nil
}

// ListDeploymentsByApplication returns the latest deployments of an application.
func (r *Repository) ListDeploymentsByApplication(ctx context.Context, applicationID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE application_id = $1 ORDER BY created_at DESC LIMIT $2`
	return r.queryDeployments(ctx, query, applicationID, limit)
}

// ListActiveDeployments returns deployments still pending or building.
func (r *Repository) ListActiveDeployments(ctx context.Context) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE status IN ('pending', 'building') ORDER BY created_at`
	return r.queryDeployments(ctx, query)
}

func (r *Repository) queryDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return deployments, nil
}

// MarkDeploymentBuilding moves a pending deployment to building.
func (r *Repository) MarkDeploymentBuilding(ctx context.Context, id string) error {
	const query = `UPDATE deployments SET status = 'building' WHERE id = $1 AND status = 'pending'`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CompleteDeployment records a successful launch on the application and the deployment atomically.
func (r *Repository) CompleteDeployment(ctx context.Context, reg domain.Registration) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const updateApp = `UPDATE applications
		SET status = 'running', container_id = $2, port = $3, last_deployed_at = $4, updated_at = $4
		WHERE id = $1`
	tag, err := tx.Exec(ctx, updateApp, reg.ApplicationID, reg.ContainerID, reg.Port, reg.FinishedAt)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	const updateDeployment = `UPDATE deployments
		SET status = 'success', build_duration_ms = $2, finished_at = $3
		WHERE id = $1 AND status IN ('pending', 'building')`
	tag, err = tx.Exec(ctx, updateDeployment, reg.DeploymentID, reg.BuildDuration.Milliseconds(), reg.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return tx.Commit(ctx)
}

// FailDeployment records a failed run on the deployment and the application atomically.
func (r *Repository) FailDeployment(ctx context.Context, f domain.DeploymentFailure) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const updateDeployment = `UPDATE deployments
		SET status = 'failed', error = $2, build_duration_ms = $3, finished_at = $4
		WHERE id = $1 AND status IN ('pending', 'building')`
	tag, err := tx.Exec(ctx, updateDeployment, f.DeploymentID, f.Error, f.BuildDuration.Milliseconds(), f.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	updateApp := `UPDATE applications SET status = 'failed', updated_at = $2 WHERE id = $1`
	if f.ClearContainer {
		updateApp = `UPDATE applications SET status = 'failed', container_id = NULL, port = NULL, updated_at = $2 WHERE id = $1`
	}
	if _, err := tx.Exec(ctx, updateApp, f.ApplicationID, f.FinishedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AppendDeploymentLog appends one line; the row id is the line's sequence number.
func (r *Repository) AppendDeploymentLog(ctx context.Context, deploymentID, line string, at time.Time) (domain.LogLine, error) {
	const query = `INSERT INTO deployment_logs (deployment_id, line, created_at) VALUES ($1, $2, $3) RETURNING id`
	entry := domain.LogLine{DeploymentID: deploymentID, Line: line, CreatedAt: at}
	if err := r.pool.QueryRow(ctx, query, deploymentID, line, at).Scan(&entry.Seq); err != nil {
		return domain.LogLine{}, translate(err)
	}
	return entry, nil
}

// ListDeploymentLogs returns a deployment's log in append order.
func (r *Repository) ListDeploymentLogs(ctx context.Context, deploymentID string) ([]domain.LogLine, error) {
	const query = `SELECT id, deployment_id, line, created_at FROM deployment_logs WHERE deployment_id = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, query, deploymentID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	lines := make([]domain.LogLine, 0)
	for rows.Next() {
		var l domain.LogLine
		if err := rows.Scan(&l.Seq, &l.DeploymentID, &l.Line, &l.CreatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return lines, nil
}

// GetAccount returns an owner's account. Owners without a row have no credits.
func (r *Repository) GetAccount(ctx context.Context, ownerID string) (*domain.Account, error) {
	const query = `SELECT owner_id, credits, has_payment_method, created_at, updated_at FROM accounts WHERE owner_id = $1`
	var acct domain.Account
	err := r.pool.QueryRow(ctx, query, ownerID).Scan(&acct.OwnerID, &acct.Credits, &acct.HasPaymentMethod, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &acct, nil
}

// DebitAccount takes credits when the balance covers tx.Amount, otherwise
// records a pending charge when deferred is allowed.
func (r *Repository) DebitAccount(ctx context.Context, t *domain.Transaction, deferred bool) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	const debit = `UPDATE accounts SET credits = credits - $2, updated_at = $3
		WHERE owner_id = $1 AND credits >= $2`
	tag, err := tx.Exec(ctx, debit, t.OwnerID, t.Amount, t.CreatedAt)
	if err != nil {
		return false, err
	}
	t.Type = domain.TransactionDebit
	switch {
	case tag.RowsAffected() == 1:
		t.Status = domain.TransactionCompleted
	case deferred:
		t.Status = domain.TransactionPending
	default:
		return false, nil
	}
	if err := insertTransaction(ctx, tx, t); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// CreditAccount adds credits, creating the account when needed.
func (r *Repository) CreditAccount(ctx context.Context, t *domain.Transaction) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const credit = `INSERT INTO accounts (owner_id, credits, created_at, updated_at) VALUES ($1, $2, $3, $3)
		ON CONFLICT (owner_id) DO UPDATE SET credits = accounts.credits + EXCLUDED.credits, updated_at = EXCLUDED.updated_at`
	if _, err := tx.Exec(ctx, credit, t.OwnerID, t.Amount, t.CreatedAt); err != nil {
		return err
	}
	t.Type = domain.TransactionCredit
	t.Status = domain.TransactionCompleted
	if err := insertTransaction(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	const query = `INSERT INTO transactions (id, owner_id, type, amount, description, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := tx.Exec(ctx, query, t.ID, t.OwnerID, t.Type, t.Amount, t.Description, t.Status, t.CreatedAt)
	return err
}
