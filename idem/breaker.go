package idem

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/ceyewan/idemgate/clog"
	"github.com/ceyewan/idemgate/xerrors"
)

// guardedStore 用熔断器包装存储后端
// 后端持续故障时快速失败，让 FailOpen 策略立即生效，
// 而不是每个请求都对着死掉的后端等待超时。
type guardedStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker[any]
}

func newGuardedStore(inner Store, logger clog.Logger) *guardedStore {
	settings := gobreaker.Settings{
		Name:        "idem-store",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures*2 > counts.Requests
		},
		// 业务语义的哨兵错误不算后端故障
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return isBusinessErr(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if logger != nil {
				logger.Warn("store circuit breaker state changed",
					clog.String("breaker", name),
					clog.String("from", from.String()),
					clog.String("to", to.String()))
			}
		},
	}

	return &guardedStore{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[any](settings),
	}
}

func isBusinessErr(err error) bool {
	for _, sentinel := range []error{
		ErrResultNotFound, ErrClaimLost, ErrResponseInvalid, context.Canceled, context.DeadlineExceeded,
	} {
		if xerrors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func (g *guardedStore) TryClaim(ctx context.Context, key Key) (Claim, error) {
	res, err := g.cb.Execute(func() (any, error) {
		return g.inner.TryClaim(ctx, key)
	})
	if err != nil {
		return Claim{}, err
	}
	return res.(Claim), nil
}

func (g *guardedStore) Complete(ctx context.Context, key Key, token Token, resp *Response) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.inner.Complete(ctx, key, token, resp)
	})
	return err
}

func (g *guardedStore) Read(ctx context.Context, key Key) (*Response, error) {
	res, err := g.cb.Execute(func() (any, error) {
		return g.inner.Read(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.(*Response), nil
}

func (g *guardedStore) Release(ctx context.Context, key Key, token Token) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.inner.Release(ctx, key, token)
	})
	return err
}

// Refresh 透传到内层实现（如果支持）
func (g *guardedStore) Refresh(ctx context.Context, key Key, token Token, ttl time.Duration) error {
	rs, ok := g.inner.(RefreshableStore)
	if !ok {
		return nil
	}
	_, err := g.cb.Execute(func() (any, error) {
		return nil, rs.Refresh(ctx, key, token, ttl)
	})
	return err
}

// Sweep 透传到内层实现（如果支持）
func (g *guardedStore) Sweep(ctx context.Context) (int64, error) {
	ss, ok := g.inner.(SweepableStore)
	if !ok {
		return 0, nil
	}
	return ss.Sweep(ctx)
}

// refreshable 报告内层存储是否支持占位续期
func (g *guardedStore) refreshable() bool {
	_, ok := g.inner.(RefreshableStore)
	return ok
}

// sweepable 报告内层存储是否支持过期清理
func (g *guardedStore) sweepable() bool {
	_, ok := g.inner.(SweepableStore)
	return ok
}

// isBackendErr 判断错误是否属于后端故障（含熔断器打开）
func isBackendErr(err error) bool {
	if err == nil {
		return false
	}
	if xerrors.Is(err, gobreaker.ErrOpenState) || xerrors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	return !isBusinessErr(err)
}
