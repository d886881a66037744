package idem

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ceyewan/idemgate/xerrors"
)

// idemRecord 持久化驱动的表模型
// (route, method, idem_key) 上的唯一复合索引是占位线性化的来源：
// 并发插入恰好一个成功，其余得到重复键错误。
type idemRecord struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	Route       string    `gorm:"size:191;not null;uniqueIndex:uk_idem_scope_key,priority:1"`
	Method      string    `gorm:"size:16;not null;uniqueIndex:uk_idem_scope_key,priority:2"`
	IdemKey     string    `gorm:"size:191;not null;uniqueIndex:uk_idem_scope_key,priority:3"`
	Completed   bool      `gorm:"not null;default:false"`
	StatusCode  int       `gorm:"not null;default:0"`
	// 不指定列类型，让 gorm 按方言选择 bytea/blob
	Body        []byte
	ContentType string    `gorm:"size:128"`
	Fingerprint string    `gorm:"size:64"`
	ClaimToken  string    `gorm:"size:64;not null"`
	ClaimedAt   time.Time `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}

// gormStore 关系型数据库存储实现（非导出）
// 依赖 gorm 的 TranslateError 将各方言的唯一约束冲突统一为 gorm.ErrDuplicatedKey。
type gormStore struct {
	db           *gorm.DB
	table        string
	claimTimeout time.Duration
	expiration   time.Duration
}

func newGormStore(db *gorm.DB, table string, claimTimeout, expiration time.Duration) (Store, error) {
	if db == nil {
		return nil, xerrors.New("idem: gorm db is nil")
	}
	if err := db.Table(table).AutoMigrate(&idemRecord{}); err != nil {
		return nil, xerrors.Wrap(err, "idem: migrate idem records table")
	}
	return &gormStore{
		db:           db,
		table:        table,
		claimTimeout: claimTimeout,
		expiration:   expiration,
	}, nil
}

func (gs *gormStore) records(ctx context.Context) *gorm.DB {
	return gs.db.WithContext(ctx).Table(gs.table)
}

func (gs *gormStore) TryClaim(ctx context.Context, key Key) (Claim, error) {
	now := time.Now()

	token, err := newToken()
	if err != nil {
		return Claim{}, err
	}

	rec := idemRecord{
		Route:      key.Route,
		Method:     key.Method,
		IdemKey:    key.Canonical,
		ClaimToken: string(token),
		ClaimedAt:  now,
		CreatedAt:  now,
		ExpiresAt:  now.Add(gs.expiration),
	}

	err = gs.records(ctx).Create(&rec).Error
	if err == nil {
		return Claim{State: StateClaimed, Token: token}, nil
	}
	if !xerrors.Is(err, gorm.ErrDuplicatedKey) {
		return Claim{}, xerrors.Wrap(err, "idem: insert claim record")
	}

	// 唯一键冲突是预期路径：读出现有行判断状态
	var existing idemRecord
	err = gs.records(ctx).
		Where("route = ? AND method = ? AND idem_key = ?", key.Route, key.Method, key.Canonical).
		Take(&existing).Error
	if err != nil {
		if xerrors.Is(err, gorm.ErrRecordNotFound) {
			// 行在冲突和读取之间被清理，视为并发处理中
			return Claim{State: StateInProgress}, nil
		}
		return Claim{}, xerrors.Wrap(err, "idem: load existing record")
	}

	if existing.Completed {
		if existing.ExpiresAt.After(now) {
			return Claim{State: StateCompleted, Response: recordToResponse(&existing)}, nil
		}
		// 结果过期：接管整行重新占位
		return gs.takeOver(ctx, key, &existing, token, now)
	}

	if now.Sub(existing.ClaimedAt) < gs.claimTimeout {
		return Claim{State: StateInProgress}, nil
	}

	// 占位超时（持有者崩溃）：接管
	return gs.takeOver(ctx, key, &existing, token, now)
}

// takeOver 以旧令牌为守卫接管过期的行
// 守卫保证并发接管者只有一个成功，失败方退化为 InProgress
func (gs *gormStore) takeOver(ctx context.Context, key Key, old *idemRecord, token Token, now time.Time) (Claim, error) {
	res := gs.records(ctx).
		Where("id = ? AND claim_token = ?", old.ID, old.ClaimToken).
		Updates(map[string]any{
			"completed":    false,
			"status_code":  0,
			"body":         []byte(nil),
			"content_type": "",
			"fingerprint":  "",
			"claim_token":  string(token),
			"claimed_at":   now,
			"created_at":   now,
			"expires_at":   now.Add(gs.expiration),
		})
	if res.Error != nil {
		return Claim{}, xerrors.Wrap(res.Error, "idem: take over stale claim")
	}
	if res.RowsAffected == 0 {
		return Claim{State: StateInProgress}, nil
	}
	return Claim{State: StateClaimed, Token: token}, nil
}

func (gs *gormStore) Complete(ctx context.Context, key Key, token Token, resp *Response) error {
	res := gs.records(ctx).
		Where("route = ? AND method = ? AND idem_key = ? AND claim_token = ? AND completed = ?",
			key.Route, key.Method, key.Canonical, string(token), false).
		Updates(map[string]any{
			"completed":    true,
			"status_code":  resp.StatusCode,
			"body":         resp.Body,
			"content_type": resp.ContentType,
			"fingerprint":  resp.Fingerprint,
			"created_at":   resp.CreatedAt,
			"expires_at":   resp.ExpiresAt,
		})
	if res.Error != nil {
		return xerrors.Wrap(res.Error, "idem: complete claim record")
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// 没有命中：要么是同一 token 的重试（已完成），要么占位被接管
	var existing idemRecord
	err := gs.records(ctx).
		Where("route = ? AND method = ? AND idem_key = ?", key.Route, key.Method, key.Canonical).
		Take(&existing).Error
	if err == nil && existing.Completed && existing.ClaimToken == string(token) {
		return nil
	}
	return xerrors.Wrapf(ErrClaimLost, "key: %s", key.String())
}

func (gs *gormStore) Read(ctx context.Context, key Key) (*Response, error) {
	var rec idemRecord
	err := gs.records(ctx).
		Where("route = ? AND method = ? AND idem_key = ? AND completed = ?",
			key.Route, key.Method, key.Canonical, true).
		Take(&rec).Error
	if err != nil {
		if xerrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResultNotFound
		}
		return nil, xerrors.Wrap(err, "idem: read record")
	}
	if !rec.ExpiresAt.After(time.Now()) {
		return nil, ErrResultNotFound
	}
	return recordToResponse(&rec), nil
}

func (gs *gormStore) Release(ctx context.Context, key Key, token Token) error {
	err := gs.records(ctx).
		Where("route = ? AND method = ? AND idem_key = ? AND claim_token = ? AND completed = ?",
			key.Route, key.Method, key.Canonical, string(token), false).
		Delete(&idemRecord{}).Error
	if err != nil {
		return xerrors.Wrap(err, "idem: release claim record")
	}
	return nil
}

// Refresh 延长占位有效期（重置 claimed_at）
func (gs *gormStore) Refresh(ctx context.Context, key Key, token Token, ttl time.Duration) error {
	res := gs.records(ctx).
		Where("route = ? AND method = ? AND idem_key = ? AND claim_token = ? AND completed = ?",
			key.Route, key.Method, key.Canonical, string(token), false).
		Update("claimed_at", time.Now())
	if res.Error != nil {
		return xerrors.Wrap(res.Error, "idem: refresh claim record")
	}
	if res.RowsAffected == 0 {
		return xerrors.Wrapf(ErrClaimLost, "key: %s", key.String())
	}
	return nil
}

// Sweep 删除所有已过期的行，返回删除数量
// 只清理过期数据，可以安全地在请求路径之外周期执行
func (gs *gormStore) Sweep(ctx context.Context) (int64, error) {
	res := gs.records(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&idemRecord{})
	if res.Error != nil {
		return 0, xerrors.Wrap(res.Error, "idem: sweep expired records")
	}
	return res.RowsAffected, nil
}

func recordToResponse(rec *idemRecord) *Response {
	return &Response{
		StatusCode:  rec.StatusCode,
		Body:        append([]byte(nil), rec.Body...),
		ContentType: rec.ContentType,
		Fingerprint: rec.Fingerprint,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	}
}
