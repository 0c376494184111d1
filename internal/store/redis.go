package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"

	"projective/pkg/contract"
)

// RedisOptions: Redis 存储连接参数。
type RedisOptions struct {
	Addr     string
	Password string
	TLS      bool
	// Prefix 为全部键的前缀（多个实例共用一个库时隔离）。
	Prefix  string
	MaxIdle int
}

// Redis: 基于 redigo 连接池的存储。
// 键布局：
//
//	<prefix>list:<kind>:<id>  列表，按追加顺序保存消息 id
//	<prefix>msg:<kind>:<id>   哈希，id -> 消息 JSON
//	<prefix>cid:<kind>:<id>   哈希，clientId -> id
type Redis struct {
	pool   *redis.Pool
	prefix string
	now    func() time.Time
}

// OpenRedis 建立连接池并以 PING 探测可用性。
func OpenRedis(ctx context.Context, o RedisOptions, clk func() time.Time) (*Redis, error) {
	if o.Addr == "" {
		return nil, fmt.Errorf("redis addr required: %w", contract.ErrInvalidInput)
	}
	if clk == nil {
		clk = time.Now
	}
	if o.MaxIdle <= 0 {
		o.MaxIdle = 4
	}
	opts := []redis.DialOption{redis.DialConnectTimeout(5 * time.Second)}
	if o.TLS {
		opts = append(opts, redis.DialUseTLS(true))
	}
	if o.Password != "" {
		opts = append(opts, redis.DialPassword(o.Password))
	}
	pool := &redis.Pool{
		MaxIdle:     o.MaxIdle,
		IdleTimeout: 2 * time.Minute,
		Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", o.Addr, opts...) },
	}
	s := &Redis{pool: pool, prefix: o.Prefix, now: clk}
	conn, err := pool.GetContext(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("dial redis %s: %w", o.Addr, err)
	}
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping redis %s: %w", o.Addr, err)
	}
	return s, nil
}

func (s *Redis) key(part string, c contract.CollectionID) string {
	return s.prefix + part + ":" + string(c.Kind) + ":" + c.ID
}

func (s *Redis) Count(ctx context.Context, c contract.CollectionID) (int, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", c, err)
	}
	defer conn.Close()
	n, err := redis.Int(conn.Do("LLEN", s.key("list", c)))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", c, err)
	}
	return n, nil
}

func (s *Redis) Range(ctx context.Context, c contract.CollectionID, start, limit int) ([]contract.Message, error) {
	if start < 0 {
		start = 0
	}
	if limit <= 0 {
		return []contract.Message{}, nil
	}
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", c, err)
	}
	defer conn.Close()
	ids, err := redis.Strings(conn.Do("LRANGE", s.key("list", c), start, start+limit-1))
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", c, err)
	}
	if len(ids) == 0 {
		return []contract.Message{}, nil
	}
	msgKey := s.key("msg", c)
	for _, id := range ids {
		if err := conn.Send("HGET", msgKey, id); err != nil {
			return nil, fmt.Errorf("range %s: %w", c, err)
		}
	}
	if err := conn.Flush(); err != nil {
		return nil, fmt.Errorf("range %s: %w", c, err)
	}
	out := make([]contract.Message, 0, len(ids))
	for _, id := range ids {
		raw, err := redis.Bytes(conn.Receive())
		if err != nil {
			return nil, fmt.Errorf("range %s: message %s: %w", c, id, err)
		}
		var m contract.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("range %s: message %s: %w", c, id, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Redis) Append(ctx context.Context, c contract.CollectionID, m contract.Message) (contract.Message, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return contract.Message{}, fmt.Errorf("append %s: %w", c, err)
	}
	defer conn.Close()
	p := prepare(m, s.now())
	if p.ClientID != "" {
		won, err := redis.Bool(conn.Do("HSETNX", s.key("cid", c), p.ClientID, p.ID))
		if err != nil {
			return contract.Message{}, fmt.Errorf("append %s: %w", c, err)
		}
		if !won {
			return s.existing(ctx, conn, c, p.ClientID)
		}
	}
	if err := s.write(conn, c, p); err != nil {
		if p.ClientID != "" {
			// 释放 clientId 占位，重试时可重新追加
			if _, derr := conn.Do("HDEL", s.key("cid", c), p.ClientID); derr != nil {
				err = errors.Join(err, derr)
			}
		}
		return contract.Message{}, fmt.Errorf("append %s: %w", c, err)
	}
	return p, nil
}

// write 写入正文并入列；入列失败时移除已写入的正文。
func (s *Redis) write(conn redis.Conn, c contract.CollectionID, p contract.Message) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if _, err := conn.Do("HSET", s.key("msg", c), p.ID, raw); err != nil {
		return err
	}
	if _, err := conn.Do("RPUSH", s.key("list", c), p.ID); err != nil {
		if _, derr := conn.Do("HDEL", s.key("msg", c), p.ID); derr != nil {
			return errors.Join(err, derr)
		}
		return err
	}
	return nil
}

// existing 读取同 clientId 的已有消息；并发追加的胜者可能尚未写入正文，短暂重试。
func (s *Redis) existing(ctx context.Context, conn redis.Conn, c contract.CollectionID, cid string) (contract.Message, error) {
	id, err := redis.String(conn.Do("HGET", s.key("cid", c), cid))
	if err != nil {
		return contract.Message{}, fmt.Errorf("append %s: lookup %s: %w", c, cid, err)
	}
	for attempt := 0; attempt < 5; attempt++ {
		raw, err := redis.Bytes(conn.Do("HGET", s.key("msg", c), id))
		if err == nil {
			var m contract.Message
			if err := json.Unmarshal(raw, &m); err != nil {
				return contract.Message{}, fmt.Errorf("append %s: message %s: %w", c, id, err)
			}
			return m, nil
		}
		if !errors.Is(err, redis.ErrNil) {
			return contract.Message{}, fmt.Errorf("append %s: message %s: %w", c, id, err)
		}
		select {
		case <-ctx.Done():
			return contract.Message{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return contract.Message{}, fmt.Errorf("append %s: message %s missing: %w", c, id, contract.ErrInvariantViolation)
}

func (s *Redis) Close() error { return s.pool.Close() }

var _ Store = (*Redis)(nil)
