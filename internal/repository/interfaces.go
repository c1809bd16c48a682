// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/newsrelay/internal/model"
)

// NewsRepository はニュースの永続化インターフェース。
// パイプラインはこのシグネチャのみに依存し、ストレージの実装には依存しない。
type NewsRepository interface {
	// Save はニュースをINGESTEDとして保存し、採番したIDを返す。
	// フィンガープリントまたはURLが既に存在する場合は model.ErrDuplicate を返す。
	Save(ctx context.Context, item *model.NewsItem) (string, error)

	// ItemsByStatus は指定状態のニュースを作成日時の古い順に最大limit件返す。
	ItemsByStatus(ctx context.Context, status model.NewsStatus, limit int) ([]*model.NewsItem, error)

	// UpdateStatus はニュースの状態を遷移させ、遷移先に対応するフィールドのみを更新する。
	// 対象が存在しないか、現在の状態から遷移できない場合はfalseを返す。
	UpdateStatus(ctx context.Context, id string, status model.NewsStatus, fields model.TransitionFields) (bool, error)

	// Exists はフィンガープリントまたはURL（空でない場合）が一致するニュースが存在するかを返す。
	Exists(ctx context.Context, fingerprint, url string) (bool, error)

	// ExistsByFingerprint は同じフィンガープリントのニュースが存在するかを返す。
	ExistsByFingerprint(ctx context.Context, fingerprint string) (bool, error)

	// ExistsByURL は同じURLのニュースが存在するかを返す。
	ExistsByURL(ctx context.Context, url string) (bool, error)

	// Statistics は状態・取得元・地域ごとの件数を返す。
	Statistics(ctx context.Context) (*model.Statistics, error)

	// PurgeOlderThan は指定状態で作成からdays日を超えたニュースを削除し、削除件数を返す。
	PurgeOlderThan(ctx context.Context, days int, status model.NewsStatus) (int64, error)

	// Ping はストレージへの疎通を確認する。
	Ping(ctx context.Context) error
}
