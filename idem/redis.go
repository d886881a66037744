package idem

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/idemgate/connector"
	"github.com/ceyewan/idemgate/xerrors"
)

// redisStore Redis 存储实现（非导出）
// 占位和结果使用两个键：占位键带短 TTL（ClaimTimeout），结果键带长 TTL（Expiration）。
// 所有涉及令牌的写操作都通过 Lua 脚本做比较后执行，保证所有权安全。
type redisStore struct {
	conn         connector.RedisConnector
	prefix       string
	claimTimeout time.Duration
	expiration   time.Duration
}

// claimScript 原子地完成"查结果或占位"
// 结果检查和 SETNX 必须在同一个脚本里：分开执行时，两者之间落地的
// Complete 会让本调用对一个已完成的键拿到占位，业务逻辑被执行第二次。
// 返回 {1, result} 已完成；{2} 占位成功；{3} 他人占位中。
var claimScript = redis.NewScript(`
	local result = redis.call("GET", KEYS[2])
	if result then
		return {1, result}
	end
	if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
		return {2}
	end
	return {3}
`)

// completeScript 校验占位令牌后原子地写入结果并删除占位
// 已存在的结果决不覆盖：首个完成者的响应是唯一可回放的版本
var completeScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[2]) == 1 then
		return 2
	end
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
		redis.call("DEL", KEYS[1])
		return 1
	end
	return 0
`)

// releaseScript 校验占位令牌后删除占位
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// refreshScript 校验占位令牌后延长占位 TTL
var refreshScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

func newRedisStore(conn connector.RedisConnector, prefix string, claimTimeout, expiration time.Duration) Store {
	return &redisStore{
		conn:         conn,
		prefix:       prefix,
		claimTimeout: claimTimeout,
		expiration:   expiration,
	}
}

func (rs *redisStore) claimKey(key Key) string {
	return rs.prefix + key.String() + claimSuffix
}

func (rs *redisStore) resultKey(key Key) string {
	return rs.prefix + key.String() + resultSuffix
}

func (rs *redisStore) TryClaim(ctx context.Context, key Key) (Claim, error) {
	token, err := newToken()
	if err != nil {
		return Claim{}, err
	}

	// 单脚本完成结果检查与 SET NX 占位，TTL 防止崩溃死锁
	res, err := claimScript.Run(ctx, rs.conn.GetClient(),
		[]string{rs.claimKey(key), rs.resultKey(key)},
		string(token), rs.claimTimeout.Milliseconds(),
	).Result()
	if err != nil {
		return Claim{}, xerrors.Wrap(err, "idem: acquire claim")
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) == 0 {
		return Claim{}, xerrors.New("idem: unexpected claim script reply")
	}
	code, _ := reply[0].(int64)
	switch code {
	case 1:
		if len(reply) < 2 {
			return Claim{}, xerrors.New("idem: claim script returned no result payload")
		}
		data, _ := reply[1].(string)
		resp, derr := decodeResponse([]byte(data))
		if derr != nil {
			return Claim{}, derr
		}
		return Claim{State: StateCompleted, Response: resp}, nil
	case 2:
		return Claim{State: StateClaimed, Token: token}, nil
	case 3:
		return Claim{State: StateInProgress}, nil
	default:
		return Claim{}, xerrors.New("idem: unexpected claim script reply")
	}
}

func (rs *redisStore) Complete(ctx context.Context, key Key, token Token, resp *Response) error {
	data, err := encodeResponse(resp)
	if err != nil {
		return err
	}

	res, err := completeScript.Run(ctx, rs.conn.GetClient(),
		[]string{rs.claimKey(key), rs.resultKey(key)},
		string(token), data, rs.expiration.Milliseconds(),
	).Result()
	if err != nil {
		return xerrors.Wrap(err, "idem: complete claim")
	}

	switch res.(int64) {
	case 1:
		return nil
	case 2:
		// 结果已存在：从不覆盖首个完成者的响应，幂等返回
		return nil
	default:
		return xerrors.Wrapf(ErrClaimLost, "key: %s", key.String())
	}
}

func (rs *redisStore) Read(ctx context.Context, key Key) (*Response, error) {
	data, err := rs.conn.GetClient().Get(ctx, rs.resultKey(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(err, "idem: read result")
	}
	return decodeResponse(data)
}

func (rs *redisStore) Release(ctx context.Context, key Key, token Token) error {
	_, err := releaseScript.Run(ctx, rs.conn.GetClient(),
		[]string{rs.claimKey(key)}, string(token),
	).Result()
	if err != nil {
		return xerrors.Wrap(err, "idem: release claim")
	}
	return nil
}

// Refresh 延长占位 TTL，用于长时间执行的业务逻辑
func (rs *redisStore) Refresh(ctx context.Context, key Key, token Token, ttl time.Duration) error {
	res, err := refreshScript.Run(ctx, rs.conn.GetClient(),
		[]string{rs.claimKey(key)}, string(token), ttl.Milliseconds(),
	).Result()
	if err != nil {
		return xerrors.Wrap(err, "idem: refresh claim")
	}
	if res.(int64) == 0 {
		return xerrors.Wrapf(ErrClaimLost, "key: %s", key.String())
	}
	return nil
}
