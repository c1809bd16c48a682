package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/newsrelay/internal/dedup"
	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/worker/cleanup"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

var newsColumns = []string{
	"id", "title", "body", "source_url", "source_name", "region", "published_at",
	"created_at", "status", "transformed_body", "delivery_receipt_id", "fingerprint",
}

// psql はPostgreSQLのプレースホルダ（$1, $2, ...）を使うクエリビルダ。
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresNewsRepo はPostgreSQLを使用したニュースリポジトリ。
type PostgresNewsRepo struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ NewsRepository = (*PostgresNewsRepo)(nil)
	_ dedup.Store    = (*PostgresNewsRepo)(nil)
	_ cleanup.Purger = (*PostgresNewsRepo)(nil)
)

// NewPostgresNewsRepo はPostgresNewsRepoを生成する。
func NewPostgresNewsRepo(db *sql.DB) *PostgresNewsRepo {
	return &PostgresNewsRepo{db: db, now: time.Now}
}

// Save はニュースをINGESTEDとして保存し、採番したIDを返す。
// 保存に成功するとitemのID・CreatedAt・Statusを更新する。
// Fingerprintが未設定の場合はタイトルと本文から算出する。
func (r *PostgresNewsRepo) Save(ctx context.Context, item *model.NewsItem) (string, error) {
	id := uuid.NewString()
	if item.Fingerprint == "" {
		item.Fingerprint = dedup.Fingerprint(item.Title, item.Body)
	}

	var publishedAt sql.NullTime
	if item.PublishedAt != nil {
		publishedAt = sql.NullTime{Time: *item.PublishedAt, Valid: true}
	}

	var createdAt time.Time
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO news_items (id, title, body, source_url, source_name, region,
		                         published_at, status, fingerprint)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT DO NOTHING
		 RETURNING created_at`,
		id, item.Title, item.Body, nullString(item.SourceURL), item.SourceName,
		nullString(item.Region), publishedAt, string(model.StatusIngested), item.Fingerprint,
	).Scan(&createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return "", model.ErrDuplicate
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return "", model.ErrDuplicate
	}
	if err != nil {
		return "", fmt.Errorf("ニュースの保存に失敗しました: %w", err)
	}

	item.ID = id
	item.CreatedAt = createdAt
	item.Status = model.StatusIngested
	return id, nil
}

// ItemsByStatus は指定状態のニュースを作成日時の古い順に最大limit件返す。
func (r *PostgresNewsRepo) ItemsByStatus(ctx context.Context, status model.NewsStatus, limit int) ([]*model.NewsItem, error) {
	q := psql.Select(newsColumns...).
		From("news_items").
		Where(sq.Eq{"status": string(status)}).
		OrderBy("created_at ASC", "id ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリの組み立てに失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("状態によるニュースの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.NewsItem
	for rows.Next() {
		item, err := scanNews(rows)
		if err != nil {
			return nil, fmt.Errorf("ニュースの読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ニュースの読み取りに失敗しました: %w", err)
	}
	return items, nil
}

// UpdateStatus はニュースの状態を遷移させる。
// 遷移元として許可された状態の行のみを更新するため、逆行する遷移は0件更新となりfalseを返す。
func (r *PostgresNewsRepo) UpdateStatus(ctx context.Context, id string, status model.NewsStatus, fields model.TransitionFields) (bool, error) {
	from := sourcesOf(status)
	if len(from) == 0 {
		return false, fmt.Errorf("不正な遷移先です: %s", status)
	}

	q := psql.Update("news_items").
		Set("status", string(status)).
		Set("updated_at", sq.Expr("now()"))
	switch status {
	case model.StatusTransformed:
		q = q.Set("transformed_body", fields.TransformedBody)
	case model.StatusDelivered:
		q = q.Set("delivery_receipt_id", nullString(fields.DeliveryReceiptID))
	}
	q = q.Where(sq.Eq{"id": id, "status": from})

	query, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("クエリの組み立てに失敗しました: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("ニュースの状態更新に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// Exists はフィンガープリントまたはURL（空でない場合）が一致するニュースが存在するかを返す。
func (r *PostgresNewsRepo) Exists(ctx context.Context, fingerprint, url string) (bool, error) {
	cond := sq.Or{sq.Eq{"fingerprint": fingerprint}}
	if url != "" {
		cond = append(cond, sq.Eq{"source_url": url})
	}
	return r.exists(ctx, cond)
}

// ExistsByFingerprint は同じフィンガープリントのニュースが存在するかを返す。
func (r *PostgresNewsRepo) ExistsByFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	return r.exists(ctx, sq.Eq{"fingerprint": fingerprint})
}

// ExistsByURL は同じURLのニュースが存在するかを返す。
func (r *PostgresNewsRepo) ExistsByURL(ctx context.Context, url string) (bool, error) {
	if url == "" {
		return false, nil
	}
	return r.exists(ctx, sq.Eq{"source_url": url})
}

func (r *PostgresNewsRepo) exists(ctx context.Context, cond sq.Sqlizer) (bool, error) {
	sub, args, err := psql.Select("1").From("news_items").Where(cond).Limit(1).ToSql()
	if err != nil {
		return false, fmt.Errorf("クエリの組み立てに失敗しました: %w", err)
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, "SELECT EXISTS ("+sub+")", args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("存在確認に失敗しました: %w", err)
	}
	return exists, nil
}

// Statistics は状態・取得元・地域ごとの件数と直近24時間の件数を返す。
func (r *PostgresNewsRepo) Statistics(ctx context.Context) (*model.Statistics, error) {
	now := r.now()
	stats := model.NewStatistics(now)

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"status", stats.ByStatus},
		{"source_name", stats.BySource},
		{"COALESCE(region, '')", stats.ByRegion},
	}
	for _, g := range groups {
		if err := r.countBy(ctx, g.column, g.into); err != nil {
			return nil, err
		}
	}
	for _, n := range stats.ByStatus {
		stats.Total += n
	}

	query, args, err := psql.Select("count(*)").
		From("news_items").
		Where(sq.GtOrEq{"created_at": now.Add(-24 * time.Hour)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリの組み立てに失敗しました: %w", err)
	}
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&stats.Last24Hours); err != nil {
		return nil, fmt.Errorf("直近24時間の件数取得に失敗しました: %w", err)
	}

	return stats, nil
}

func (r *PostgresNewsRepo) countBy(ctx context.Context, column string, into map[string]int) error {
	query, args, err := psql.Select(column, "count(*)").
		From("news_items").
		GroupBy(column).
		ToSql()
	if err != nil {
		return fmt.Errorf("クエリの組み立てに失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("集計に失敗しました (%s): %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("集計結果の読み取りに失敗しました: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}

// PurgeOlderThan は指定状態で作成からdays日を超えたニュースを削除し、削除件数を返す。
func (r *PostgresNewsRepo) PurgeOlderThan(ctx context.Context, days int, status model.NewsStatus) (int64, error) {
	query, args, err := psql.Delete("news_items").
		Where(sq.Eq{"status": string(status)}).
		Where(sq.Lt{"created_at": r.now().AddDate(0, 0, -days)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("クエリの組み立てに失敗しました: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("古いニュースの削除に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// Ping はストレージへの疎通を確認する。
func (r *PostgresNewsRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNews(row rowScanner) (*model.NewsItem, error) {
	item := &model.NewsItem{}
	var sourceURL, region, transformed, receipt sql.NullString
	var publishedAt sql.NullTime
	var status string

	if err := row.Scan(
		&item.ID, &item.Title, &item.Body, &sourceURL, &item.SourceName, &region,
		&publishedAt, &item.CreatedAt, &status, &transformed, &receipt, &item.Fingerprint,
	); err != nil {
		return nil, err
	}

	item.SourceURL = nullStringValue(sourceURL)
	item.Region = nullStringValue(region)
	item.TransformedBody = nullStringValue(transformed)
	item.DeliveryReceiptID = nullStringValue(receipt)
	item.Status = model.NewsStatus(status)
	if publishedAt.Valid {
		t := publishedAt.Time
		item.PublishedAt = &t
	}
	return item, nil
}

// sourcesOf は指定状態へ遷移できる遷移元の状態を返す。
func sourcesOf(to model.NewsStatus) []string {
	var from []string
	for _, s := range model.AllStatuses {
		if model.CanTransition(s, to) {
			from = append(from, string(s))
		}
	}
	return from
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringを文字列に変換する。NULLの場合は空文字列を返す。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
