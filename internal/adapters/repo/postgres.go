package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bot-farm/internal/domain"
	"bot-farm/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.BotRepo       = (*Postgres)(nil)
	_ domain.ReplyRepo     = (*Postgres)(nil)
	_ domain.TemplateRepo  = (*Postgres)(nil)
	_ domain.JobRepo       = (*Postgres)(nil)
	_ domain.RecipientRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const botColumns = `
b.id, b.username, b.token, b.shard, b.status, b.use_global_reply, b.use_worker_reply,
b.last_health_check, b.created_at,
EXISTS (SELECT 1 FROM replies r WHERE r.scope_kind='bot' AND r.bot_id=b.id AND r.enabled) AS has_custom_reply`

func scanBot(row pgx.Row) (domain.Bot, error) {
	var (
		bot         domain.Bot
		healthCheck sql.NullTime
	)
	err := row.Scan(&bot.ID, &bot.Username, &bot.Token, &bot.Shard, &bot.Status,
		&bot.UseGlobalReply, &bot.UseWorkerReply, &healthCheck, &bot.CreatedAt, &bot.HasCustomReply)
	if err != nil {
		return domain.Bot{}, err
	}
	if healthCheck.Valid {
		ts := healthCheck.Time
		bot.LastHealthCheck = &ts
	}
	return bot, nil
}

// GetBot возвращает бота по идентификатору.
func (p *Postgres) GetBot(ctx context.Context, id string) (domain.Bot, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots b WHERE b.id=$1`, id)
	bot, err := scanBot(row)
	metrics.ObserveNetworkRequest("postgres", "bots_get", "bots", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Bot{}, domain.ErrBotNotFound
	}
	return bot, err
}

// ListBots возвращает ботов по фильтру.
func (p *Postgres) ListBots(ctx context.Context, filter domain.BotFilter) ([]domain.Bot, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		conds []string
		args  []any
	)
	if filter.OnlyAlive {
		conds = append(conds, fmt.Sprintf("b.status=$%d", len(args)+1))
		args = append(args, domain.BotAlive)
	}
	if len(filter.Shards) > 0 {
		conds = append(conds, fmt.Sprintf("b.shard = ANY($%d)", len(args)+1))
		args = append(args, filter.Shards)
	}
	if len(filter.IDs) > 0 {
		conds = append(conds, fmt.Sprintf("b.id = ANY($%d)", len(args)+1))
		args = append(args, filter.IDs)
	}
	query := `SELECT ` + botColumns + ` FROM bots b`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY b.id"

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "bots_list", "bots", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []domain.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// SetBotReplyScope переключает уровни автоответа бота и поднимает версию конфигурации.
func (p *Postgres) SetBotReplyScope(ctx context.Context, id string, useGlobal, useWorker bool) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "bots", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	tag, err := tx.Exec(ctx, `
UPDATE bots SET use_global_reply=$2, use_worker_reply=$3, updated_at=now() WHERE id=$1
`, id, useGlobal, useWorker)
	metrics.ObserveNetworkRequest("postgres", "bots_set_reply_scope", "bots", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBotNotFound
	}
	if _, err := bumpReplyVersion(ctx, tx); err != nil {
		return err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "bots", start, err)
	return err
}

// UpdateBotStatus обновляет статус бота и отметку последней проверки.
func (p *Postgres) UpdateBotStatus(ctx context.Context, id string, status domain.BotStatus) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE bots SET status=$2, last_health_check=now(), updated_at=now() WHERE id=$1
`, id, status)
	metrics.ObserveNetworkRequest("postgres", "bots_update_status", "bots", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBotNotFound
	}
	return nil
}

// CountBotsByTier считает ботов по действующему уровню автоответа.
func (p *Postgres) CountBotsByTier(ctx context.Context) (domain.TierCounts, int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		counts domain.TierCounts
		total  int
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT
    COUNT(*) FILTER (WHERE custom) AS custom,
    COUNT(*) FILTER (WHERE NOT custom AND use_worker_reply) AS worker,
    COUNT(*) FILTER (WHERE NOT custom AND NOT use_worker_reply AND use_global_reply) AS global,
    COUNT(*) AS total
FROM (
    SELECT b.use_global_reply, b.use_worker_reply,
           EXISTS (SELECT 1 FROM replies r WHERE r.scope_kind='bot' AND r.bot_id=b.id AND r.enabled) AS custom
    FROM bots b
) t
`).Scan(&counts.Custom, &counts.Worker, &counts.Global, &total)
	metrics.ObserveNetworkRequest("postgres", "bots_count_by_tier", "bots", start, err)
	return counts, total, err
}

func marshalContent(content domain.Content) ([]byte, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("сериализация содержимого: %w", err)
	}
	return data, nil
}

func unmarshalContent(data []byte) (domain.Content, error) {
	var content domain.Content
	if len(data) == 0 {
		return content, nil
	}
	if err := json.Unmarshal(data, &content); err != nil {
		return domain.Content{}, fmt.Errorf("десериализация содержимого: %w", err)
	}
	return content, nil
}

// Пустые строки вместо NULL упрощают уникальный индекс по области действия.
func scopeKeys(scope domain.ReplyScope) (shardID, botID string) {
	switch scope.Kind {
	case domain.ScopeWorker:
		return scope.ShardID, ""
	case domain.ScopeBot:
		return "", scope.BotID
	default:
		return "", ""
	}
}

func bumpReplyVersion(ctx context.Context, tx pgx.Tx) (int64, error) {
	var version int64
	start := time.Now()
	err := tx.QueryRow(ctx, `
UPDATE reply_config SET version = version + 1 WHERE id = 1 RETURNING version
`).Scan(&version)
	metrics.ObserveNetworkRequest("postgres", "reply_config_bump", "reply_config", start, err)
	return version, err
}

// LoadSnapshot загружает срез всех уровней автоответов вместе с версией.
func (p *Postgres) LoadSnapshot(ctx context.Context) (domain.ReplySnapshot, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	snapshot := domain.ReplySnapshot{
		Worker: map[string]domain.Reply{},
		Bot:    map[string]domain.Reply{},
	}

	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT version FROM reply_config WHERE id = 1`).Scan(&snapshot.Version)
	metrics.ObserveNetworkRequest("postgres", "reply_config_version", "reply_config", start, err)
	if err != nil {
		return domain.ReplySnapshot{}, err
	}

	start = time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, scope_kind, shard_id, bot_id, content, uses_variables, enabled, updated_at FROM replies
`)
	metrics.ObserveNetworkRequest("postgres", "replies_load", "replies", start, err)
	if err != nil {
		return domain.ReplySnapshot{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			reply   domain.Reply
			shardID string
			botID   string
			payload []byte
		)
		if err := rows.Scan(&reply.ID, &reply.Scope.Kind, &shardID, &botID, &payload, &reply.UsesVariables, &reply.Enabled, &reply.UpdatedAt); err != nil {
			return domain.ReplySnapshot{}, err
		}
		content, err := unmarshalContent(payload)
		if err != nil {
			return domain.ReplySnapshot{}, err
		}
		reply.Content = content
		switch reply.Scope.Kind {
		case domain.ScopeGlobal:
			global := reply
			snapshot.Global = &global
		case domain.ScopeWorker:
			reply.Scope.ShardID = shardID
			snapshot.Worker[shardID] = reply
		case domain.ScopeBot:
			reply.Scope.BotID = botID
			snapshot.Bot[botID] = reply
		}
	}
	return snapshot, rows.Err()
}

// Version возвращает текущую версию конфигурации автоответов.
func (p *Postgres) Version(ctx context.Context) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var version int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT version FROM reply_config WHERE id = 1`).Scan(&version)
	metrics.ObserveNetworkRequest("postgres", "reply_config_version", "reply_config", start, err)
	return version, err
}

// PublishReply заменяет автоответ области новой записью и возвращает новую версию.
func (p *Postgres) PublishReply(ctx context.Context, reply domain.Reply) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	payload, err := marshalContent(reply.Content)
	if err != nil {
		return 0, err
	}
	shardID, botID := scopeKeys(reply.Scope)

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "replies", start, err)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	_, err = tx.Exec(ctx, `
INSERT INTO replies (scope_kind, shard_id, bot_id, content, uses_variables, enabled, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (scope_kind, shard_id, bot_id) DO UPDATE
SET content = EXCLUDED.content,
    uses_variables = EXCLUDED.uses_variables,
    enabled = EXCLUDED.enabled,
    updated_at = now()
`, reply.Scope.Kind, shardID, botID, payload, reply.UsesVariables, reply.Enabled)
	metrics.ObserveNetworkRequest("postgres", "replies_publish", "replies", start, err)
	if err != nil {
		return 0, err
	}

	version, err := bumpReplyVersion(ctx, tx)
	if err != nil {
		return 0, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "replies", start, err)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// DisableReply выключает автоответ области, не удаляя запись.
func (p *Postgres) DisableReply(ctx context.Context, scope domain.ReplyScope) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	shardID, botID := scopeKeys(scope)

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "replies", start, err)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	_, err = tx.Exec(ctx, `
UPDATE replies SET enabled=false, updated_at=now()
WHERE scope_kind=$1 AND shard_id=$2 AND bot_id=$3
`, scope.Kind, shardID, botID)
	metrics.ObserveNetworkRequest("postgres", "replies_disable", "replies", start, err)
	if err != nil {
		return 0, err
	}

	version, err := bumpReplyVersion(ctx, tx)
	if err != nil {
		return 0, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "replies", start, err)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// GetTemplate возвращает шаблон по идентификатору или имени.
func (p *Postgres) GetTemplate(ctx context.Context, idOrName string) (domain.Template, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		template domain.Template
		payload  []byte
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, name, description, content, uses_variables, usage_count, created_at
FROM templates WHERE id=$1 OR name=$1
`, idOrName).Scan(&template.ID, &template.Name, &template.Description, &payload, &template.UsesVariables, &template.UsageCount, &template.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "templates_get", "templates", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Template{}, domain.ErrTemplateNotFound
	}
	if err != nil {
		return domain.Template{}, err
	}
	template.Content, err = unmarshalContent(payload)
	return template, err
}

// ListTemplates возвращает все шаблоны.
func (p *Postgres) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, name, description, content, uses_variables, usage_count, created_at
FROM templates ORDER BY name
`)
	metrics.ObserveNetworkRequest("postgres", "templates_list", "templates", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []domain.Template
	for rows.Next() {
		var (
			template domain.Template
			payload  []byte
		)
		if err := rows.Scan(&template.ID, &template.Name, &template.Description, &payload, &template.UsesVariables, &template.UsageCount, &template.CreatedAt); err != nil {
			return nil, err
		}
		if template.Content, err = unmarshalContent(payload); err != nil {
			return nil, err
		}
		templates = append(templates, template)
	}
	return templates, rows.Err()
}

// IncrementTemplateUsage увеличивает счётчик применений шаблона.
func (p *Postgres) IncrementTemplateUsage(ctx context.Context, id string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE templates SET usage_count = usage_count + 1 WHERE id=$1`, id)
	metrics.ObserveNetworkRequest("postgres", "templates_increment_usage", "templates", start, err)
	return err
}

const jobColumns = `
id, target, payload, rate_per_second, status, cursor, sent, failed, skipped, total,
created_by, created_at, started_at, completed_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		job       domain.Job
		target    []byte
		payload   []byte
		startedAt sql.NullTime
		doneAt    sql.NullTime
	)
	err := row.Scan(&job.ID, &target, &payload, &job.RatePerSecond, &job.Status,
		&job.Cursor, &job.Sent, &job.Failed, &job.Skipped, &job.Total,
		&job.CreatedBy, &job.CreatedAt, &startedAt, &doneAt, &job.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal(target, &job.Target); err != nil {
		return domain.Job{}, fmt.Errorf("десериализация цели рассылки: %w", err)
	}
	if job.Payload, err = unmarshalContent(payload); err != nil {
		return domain.Job{}, err
	}
	if startedAt.Valid {
		ts := startedAt.Time
		job.StartedAt = &ts
	}
	if doneAt.Valid {
		ts := doneAt.Time
		job.CompletedAt = &ts
	}
	return job, nil
}

// CreateJob создаёт рассылку в статусе pending.
func (p *Postgres) CreateJob(ctx context.Context, spec domain.JobSpec) (domain.Job, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	target, err := json.Marshal(spec.Target)
	if err != nil {
		return domain.Job{}, fmt.Errorf("сериализация цели рассылки: %w", err)
	}
	payload, err := marshalContent(spec.Payload)
	if err != nil {
		return domain.Job{}, err
	}

	id := uuid.NewString()
	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO broadcast_jobs (id, target, payload, rate_per_second, status, created_by)
VALUES ($1, $2, $3, $4, 'pending', $5)
RETURNING `+jobColumns, id, target, payload, spec.RatePerSecond, spec.CreatedBy)
	job, err := scanJob(row)
	metrics.ObserveNetworkRequest("postgres", "broadcast_jobs_create", "broadcast_jobs", start, err)
	return job, err
}

// GetJob возвращает рассылку по идентификатору.
func (p *Postgres) GetJob(ctx context.Context, id string) (domain.Job, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM broadcast_jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	metrics.ObserveNetworkRequest("postgres", "broadcast_jobs_get", "broadcast_jobs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, err
}

// CompareAndSetStatus атомарно переводит статус рассылки.
// Возвращает false, если текущий статус не совпал с ожидаемым.
func (p *Postgres) CompareAndSetStatus(ctx context.Context, id string, expected, next domain.JobStatus) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE broadcast_jobs
SET status=$3,
    started_at = CASE WHEN $3::text = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
    completed_at = CASE WHEN $3::text IN ('completed','failed','cancelled') THEN now() ELSE completed_at END,
    updated_at = now()
WHERE id=$1 AND status=$2
`, id, expected, next)
	metrics.ObserveNetworkRequest("postgres", "broadcast_jobs_cas_status", "broadcast_jobs", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AdvanceCursor атомарно сдвигает курсор и счётчик исхода на единицу.
func (p *Postgres) AdvanceCursor(ctx context.Context, id string, outcome domain.Outcome) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE broadcast_jobs
SET cursor = cursor + 1,
    sent = sent + CASE WHEN $2::text = 'sent' THEN 1 ELSE 0 END,
    failed = failed + CASE WHEN $2::text = 'failed' THEN 1 ELSE 0 END,
    skipped = skipped + CASE WHEN $2::text = 'skipped' THEN 1 ELSE 0 END,
    updated_at = now()
WHERE id=$1 AND cursor < total
`, id, outcome)
	metrics.ObserveNetworkRequest("postgres", "broadcast_jobs_advance", "broadcast_jobs", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("курсор рассылки %s уже на отметке total", id)
	}
	return nil
}

// SnapshotRecipients фиксирует набор получателей и Total рассылки.
func (p *Postgres) SnapshotRecipients(ctx context.Context, id string, recipients []domain.JobRecipient) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "broadcast_recipients", start, err)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, recipient := range recipients {
		batch.Queue(`
INSERT INTO broadcast_recipients (job_id, position, bot_id, chat_id, first_name, username)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (job_id, position) DO NOTHING
`, id, recipient.Position, recipient.BotID, recipient.ChatID, recipient.FirstName, recipient.Username)
	}
	start = time.Now()
	br := tx.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("postgres", "broadcast_recipients_send_batch", "broadcast_recipients", start, nil)
	for range recipients {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, err
		}
	}
	if err := br.Close(); err != nil {
		return 0, err
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `UPDATE broadcast_jobs SET total=$2, updated_at=now() WHERE id=$1`, id, len(recipients))
	metrics.ObserveNetworkRequest("postgres", "broadcast_jobs_set_total", "broadcast_jobs", start, err)
	if err != nil {
		return 0, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "broadcast_recipients", start, err)
	if err != nil {
		return 0, err
	}
	return len(recipients), nil
}

// ListRecipients возвращает срез снапшота получателей начиная с позиции from.
func (p *Postgres) ListRecipients(ctx context.Context, id string, from, limit int) ([]domain.JobRecipient, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT position, bot_id, chat_id, first_name, username
FROM broadcast_recipients
WHERE job_id=$1 AND position >= $2
ORDER BY position
LIMIT $3
`, id, from, limit)
	metrics.ObserveNetworkRequest("postgres", "broadcast_recipients_list", "broadcast_recipients", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []domain.JobRecipient
	for rows.Next() {
		var recipient domain.JobRecipient
		if err := rows.Scan(&recipient.Position, &recipient.BotID, &recipient.ChatID, &recipient.FirstName, &recipient.Username); err != nil {
			return nil, err
		}
		recipients = append(recipients, recipient)
	}
	return recipients, rows.Err()
}

// ListRunning возвращает рассылки в статусе running.
func (p *Postgres) ListRunning(ctx context.Context) ([]domain.Job, error) {
	return p.listJobs(ctx, `SELECT `+jobColumns+` FROM broadcast_jobs WHERE status='running' ORDER BY created_at`, "broadcast_jobs_list_running")
}

// ListRecentJobs возвращает последние рассылки.
func (p *Postgres) ListRecentJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	return p.listJobs(ctx, fmt.Sprintf(`SELECT `+jobColumns+` FROM broadcast_jobs ORDER BY created_at DESC LIMIT %d`, limit), "broadcast_jobs_list_recent")
}

func (p *Postgres) listJobs(ctx context.Context, query, operation string) ([]domain.Job, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query)
	metrics.ObserveNetworkRequest("postgres", operation, "broadcast_jobs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListActiveForBots возвращает активных получателей перечисленных ботов.
func (p *Postgres) ListActiveForBots(ctx context.Context, botIDs []string) ([]domain.Recipient, error) {
	if len(botIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT bot_id, chat_id, first_name, username, active, first_seen, last_seen
FROM recipients
WHERE bot_id = ANY($1) AND active
ORDER BY bot_id, chat_id
`, botIDs)
	metrics.ObserveNetworkRequest("postgres", "recipients_list_active", "recipients", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []domain.Recipient
	for rows.Next() {
		var recipient domain.Recipient
		if err := rows.Scan(&recipient.BotID, &recipient.ChatID, &recipient.FirstName, &recipient.Username, &recipient.Active, &recipient.FirstSeen, &recipient.LastSeen); err != nil {
			return nil, err
		}
		recipients = append(recipients, recipient)
	}
	return recipients, rows.Err()
}

// MarkInactive помечает получателя неактивным после необратимой ошибки доставки.
func (p *Postgres) MarkInactive(ctx context.Context, botID string, chatID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE recipients SET active=false, last_seen=now() WHERE bot_id=$1 AND chat_id=$2
`, botID, chatID)
	metrics.ObserveNetworkRequest("postgres", "recipients_mark_inactive", "recipients", start, err)
	return err
}

// CountActive считает активных получателей по всей ферме.
func (p *Postgres) CountActive(ctx context.Context) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var count int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM recipients WHERE active`).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "recipients_count_active", "recipients", start, err)
	return count, err
}
