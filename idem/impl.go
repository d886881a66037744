package idem

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ceyewan/idemgate/clog"
	"github.com/ceyewan/idemgate/xerrors"
)

// Handler 业务逻辑函数，只在首次占位成功时执行
type Handler func(ctx context.Context) (*Response, error)

// idem 幂等性组件实现（非导出）
type idem struct {
	cfg     *Config
	store   *guardedStore
	logger  clog.Logger
	metrics *idemMetrics
	pub     *publisher

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	closeOnce   sync.Once
}

const consumedMarker = "1"

// acquisition 占位尝试的结果，三种互斥形态：
// replay 非空（回放缓存）、token 非空（执行业务逻辑）、failOpen（后端故障放行）
type acquisition struct {
	replay   *Response
	token    Token
	failOpen bool
}

// Do 执行幂等操作
func (i *idem) Do(ctx context.Context, route, method, rawKey string, payload []byte, fn Handler) (*Response, error) {
	canonical, err := normalizeKey(rawKey, i.cfg.MaxKeyLength)
	if err != nil {
		i.metrics.recordOutcome(ctx, i.cfg.Driver, outcomeInvalidKey)
		return nil, err
	}

	key := Key{Route: route, Method: method, Canonical: canonical}
	var fp string
	if i.cfg.EnableFingerprint {
		fp = Fingerprint(payload)
	}

	acq, err := i.acquire(ctx, key, fp)
	if err != nil {
		return nil, err
	}

	if acq.replay != nil {
		return acq.replay, nil
	}

	if acq.failOpen {
		// 后端不可用且 FailOpen：跳过幂等保护直接执行，结果不记录
		return fn(ctx)
	}

	stopRefresh := i.startRefresh(key, acq.token)
	defer stopRefresh()

	execStart := time.Now()
	resp, err := fn(ctx)
	i.metrics.observe(ctx, i.metrics.execTime, execStart)

	if err != nil {
		// 执行失败释放占位，允许客户端重试同一个键
		if relErr := i.store.Release(ctx, key, acq.token); relErr != nil && i.logger != nil {
			i.logger.Error("failed to release claim after execution failure",
				clog.Error(relErr), i.keyField(key), clog.String("op", "release"))
		}
		i.metrics.recordOutcome(ctx, i.cfg.Driver, outcomeExecFailure)
		return nil, err
	}

	return i.finish(ctx, key, acq.token, resp, fp)
}

// acquire 获取占位或缓存结果
func (i *idem) acquire(ctx context.Context, key Key, fp string) (acquisition, error) {
	claimStart := time.Now()
	claim, err := i.store.TryClaim(ctx, key)
	i.metrics.observe(ctx, i.metrics.claimTime, claimStart)

	if err != nil {
		if isBackendErr(err) {
			return i.onBackendError(ctx, key, "try_claim", err)
		}
		return acquisition{}, err
	}

	switch claim.State {
	case StateCompleted:
		return i.replay(ctx, key, claim.Response, fp)

	case StateClaimed:
		return acquisition{token: claim.Token}, nil

	case StateInProgress:
		if i.cfg.ConcurrencyMode == ModeConflict {
			if i.logger != nil {
				i.logger.Debug("concurrent request detected", i.keyField(key))
			}
			i.metrics.recordOutcome(ctx, i.cfg.Driver, outcomeConflict)
			return acquisition{}, ErrConcurrentRequest
		}
		return i.waitForResult(ctx, key, fp)

	default:
		return acquisition{}, xerrors.New("idem: unknown claim state")
	}
}

// replay 校验指纹并回放缓存结果
func (i *idem) replay(ctx context.Context, key Key, resp *Response, fp string) (acquisition, error) {
	if i.cfg.EnableFingerprint && resp.Fingerprint != "" && fp != resp.Fingerprint {
		if i.logger != nil {
			i.logger.Warn("idempotency key reused with different payload", i.keyField(key))
		}
		i.metrics.recordOutcome(ctx, i.cfg.Driver, outcomeMismatch)
		return acquisition{}, ErrFingerprintMismatch
	}
	if i.logger != nil {
		i.logger.Debug("cache hit, replaying stored response", i.keyField(key))
	}
	i.metrics.recordOutcome(ctx, i.cfg.Driver, outcomeReplayed)
	return acquisition{replay: resp.clone()}, nil
}

// waitForResult ModeWait 下轮询等待首个请求完成
func (i *idem) waitForResult(ctx context.Context, key Key, fp string) (acquisition, error) {
	waitStart := time.Now()
	defer i.metrics.observe(ctx, i.metrics.waitTime, waitStart)

	waitCtx, cancel := context.WithTimeout(ctx, i.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(i.cfg.WaitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return acquisition{}, ctx.Err()
			}
			if i.logger != nil {
				i.logger.Debug("wait for result timed out", i.keyField(key),
					clog.Duration("wait_timeout", i.cfg.WaitTimeout))
			}
			i.metrics.recordOutcome(ctx, i.cfg.Driver, outcomeConflict)
			return acquisition{}, ErrConcurrentRequest

		case <-ticker.C:
			resp, err := i.store.Read(waitCtx, key)
			if err == nil {
				return i.replay(ctx, key, resp, fp)
			}
			if xerrors.Is(err, ErrResultNotFound) {
				continue
			}
			if isBackendErr(err) {
				return i.onBackendError(ctx, key, "read", err)
			}
			return acquisition{}, err
		}
	}
}

// onBackendError 后端故障的统一处理：FailOpen 放行或返回 ErrStoreUnavailable
// 两种情况都记录日志，决不静默
func (i *idem) onBackendError(ctx context.Context, key Key, op string, err error) (acquisition, error) {
	if i.logger != nil {
		i.logger.Error("store backend error",
			clog.Error(err), i.keyField(key),
			clog.String("driver", string(i.cfg.Driver)), clog.String("op", op),
			clog.Bool("fail_open", i.cfg.FailOpen))
	}
	if i.cfg.FailOpen {
		i.metrics.recordOutcome(ctx, i.cfg.Driver, outcomeFailOpen)
		return acquisition{failOpen: true}, nil
	}
	i.metrics.recordOutcome(ctx, i.cfg.Driver, outcomeStoreError)
	return acquisition{}, xerrors.Wrapf(ErrStoreUnavailable, "%s: %v", op, err)
}

// finish 校验并缓存执行结果，发布完成事件
func (i *idem) finish(ctx context.Context, key Key, token Token, resp *Response, fp string) (*Response, error) {
	now := time.Now()
	stored := resp.clone()
	stored.Fingerprint = fp
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.ExpiresAt.IsZero() {
		stored.ExpiresAt = stored.CreatedAt.Add(i.cfg.Expiration)
	}

	if err := stored.validate(i.cfg.MaxBodySize); err != nil {
		// 响应不可缓存：业务已执行，结果照常返回，但释放占位且不记录
		if i.logger != nil {
			i.logger.Warn("response not cacheable, claim released",
				clog.Error(err), i.keyField(key))
		}
		if relErr := i.store.Release(ctx, key, token); relErr != nil && i.logger != nil {
			i.logger.Error("failed to release claim for uncacheable response",
				clog.Error(relErr), i.keyField(key))
		}
		i.metrics.recordOutcome(ctx, i.cfg.Driver, outcomeExecuted)
		return resp, nil
	}

	if err := i.store.Complete(ctx, key, token, stored); err != nil {
		// 业务已执行成功，结果必须返回；缓存失败只影响后续回放
		if i.logger != nil {
			i.logger.Error("failed to store completed response",
				clog.Error(err), i.keyField(key),
				clog.String("driver", string(i.cfg.Driver)), clog.String("op", "complete"))
		}
		i.metrics.recordOutcome(ctx, i.cfg.Driver, outcomeStoreError)
		return resp, nil
	}

	if i.logger != nil {
		i.logger.Debug("execution completed and cached", i.keyField(key))
	}
	i.metrics.recordOutcome(ctx, i.cfg.Driver, outcomeExecuted)

	if i.pub != nil {
		i.pub.publish(ctx, CompletionEvent{
			Route:       key.Route,
			Method:      key.Method,
			Key:         key.Canonical,
			StatusCode:  stored.StatusCode,
			Fingerprint: stored.Fingerprint,
			CompletedAt: stored.CreatedAt,
		})
	}

	return resp, nil
}

// startRefresh 为长时间执行的业务逻辑保持占位不过期
// 返回的函数用于停止续期协程
func (i *idem) startRefresh(key Key, token Token) func() {
	if !i.store.refreshable() {
		return func() {}
	}

	interval := i.cfg.ClaimTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				err := i.store.Refresh(ctx, key, token, i.cfg.ClaimTimeout)
				cancel()
				if err != nil {
					if i.logger != nil {
						i.logger.Warn("claim refresh failed", clog.Error(err), i.keyField(key))
					}
					return
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

// Execute 执行幂等操作（任意 JSON 可序列化结果的便捷封装）
func (i *idem) Execute(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	resp, err := i.Do(ctx, "execute", "CALL", key, nil, func(ctx context.Context) (*Response, error) {
		result, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, xerrors.Wrap(err, "idem: marshal execute result")
		}
		return &Response{StatusCode: 200, Body: data, ContentType: "application/json"}, nil
	})
	if err != nil {
		return nil, err
	}

	var out any
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, xerrors.Wrap(err, "idem: unmarshal cached execute result")
	}
	return out, nil
}

// Consume 用于消息消费的至多一次处理
// executed 表示本次调用是否真正执行了 fn；重复消息返回 false
func (i *idem) Consume(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	executed := false
	_, err := i.Do(ctx, "consume", "MSG", key, nil, func(ctx context.Context) (*Response, error) {
		if err := fn(ctx); err != nil {
			return nil, err
		}
		executed = true
		return &Response{StatusCode: 200, Body: []byte(consumedMarker), ContentType: "text/plain"}, nil
	})
	if err != nil {
		return false, err
	}
	return executed, nil
}

// Close 停止后台协程（清理器、事件发布器）
func (i *idem) Close() error {
	i.closeOnce.Do(func() {
		if i.sweepCancel != nil {
			i.sweepCancel()
			<-i.sweepDone
		}
		if i.pub != nil {
			i.pub.close()
		}
	})
	return nil
}

func (i *idem) keyField(key Key) clog.Field {
	return clog.String("key", key.String())
}
