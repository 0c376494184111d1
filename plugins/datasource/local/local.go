// Package local 将服务端集合存储适配为进程内数据源（无网络往返）。
package local

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"projective/internal/diag"
	"projective/internal/store"
	"projective/pkg/contract"
)

const comp = "datasource.local"

// Options: 本地数据源配置。
type Options struct {
	Collection string `json:"collection"`
	Kind       string `json:"kind"`    // channel|dm，默认 channel
	UserID     string `json:"user_id"` // 读取方身份：计算 isSelf，并作为追加的发送者
	UserName   string `json:"user_name"`
}

// Source: 基于 store.Store 的数据源。
type Source struct {
	st   store.Store
	coll contract.CollectionID
	user contract.Sender
	log  *diag.Logger
	last atomic.Int64 // 最近一次成功得知的总量，降级时作为陈旧 meta
}

// New 构造数据源；st 不可为空。
func New(st store.Store, opts Options, logger *diag.Logger) (*Source, error) {
	if st == nil {
		return nil, fmt.Errorf("local: %w: store required", contract.ErrInvalidInput)
	}
	if opts.Kind == "" {
		opts.Kind = string(contract.KindChannel)
	}
	kind, err := contract.ParseKind(opts.Kind)
	if err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}
	if opts.Collection == "" {
		return nil, fmt.Errorf("local: %w: collection required", contract.ErrInvalidInput)
	}
	name := opts.UserName
	if name == "" {
		name = opts.UserID
	}
	return &Source{
		st:   st,
		coll: contract.CollectionID{Kind: kind, ID: opts.Collection},
		user: contract.Sender{ID: opts.UserID, Name: name},
		log:  logger,
	}, nil
}

// With 返回绑定到另一集合的新实例。
func (s *Source) With(collection string) *Source {
	coll := s.coll
	coll.ID = collection
	return &Source{st: s.st, coll: coll, user: s.user, log: s.log}
}

func (s *Source) Collection() contract.CollectionID { return s.coll }

func (s *Source) Key(m contract.Message) string { return m.ID }

func (s *Source) AliasKey(m contract.Message) string { return m.ClientID }

func (s *Source) Fetch(ctx context.Context, rng contract.Range) contract.FetchResult[contract.Message] {
	t0 := time.Now()
	if err := rng.Validate(); err != nil {
		return s.degrade(t0, rng.String(), err)
	}
	if err := ctx.Err(); err != nil {
		return s.degrade(t0, rng.String(), err)
	}
	total, err := s.st.Count(ctx, s.coll)
	if err != nil {
		return s.degrade(t0, rng.String(), fmt.Errorf("%w: %w", contract.ErrTransport, err))
	}
	items, err := s.st.Range(ctx, s.coll, rng.Start, rng.Length)
	if err != nil {
		return s.degrade(t0, rng.String(), fmt.Errorf("%w: %w", contract.ErrTransport, err))
	}
	s.last.Store(int64(total))
	diag.IncOp(comp, "fetch", "success")
	s.log.Debug(comp, "fetched", s.coll.String(), rng.String(), map[string]string{"items": strconv.Itoa(len(items))})
	return contract.FetchResult[contract.Message]{
		Items: contract.ClampItems(store.ForViewer(items, s.user.ID), rng),
		Meta:  contract.Meta{TotalCount: total},
	}
}

func (s *Source) GetMeta(ctx context.Context) contract.Meta {
	t0 := time.Now()
	n, err := s.st.Count(ctx, s.coll)
	if err != nil {
		s.degrade(t0, "", err)
		return contract.Meta{}
	}
	s.last.Store(int64(n))
	return contract.Meta{TotalCount: n}
}

// Append 以配置的用户身份追加；按 clientId 幂等。
func (s *Source) Append(ctx context.Context, d contract.Draft) (contract.Message, error) {
	if err := d.Validate(); err != nil {
		return contract.Message{}, err
	}
	if s.user.ID == "" {
		return contract.Message{}, fmt.Errorf("local append: %w", contract.ErrUnauthorized)
	}
	t0 := time.Now()
	m, err := s.st.Append(ctx, s.coll, store.FromDraft(d, s.user))
	if err != nil {
		s.log.ErrorWith(comp, string(diag.Classify(err)), "append failed: "+err.Error(), &t0, s.coll.String(), "")
		return contract.Message{}, err
	}
	m.IsSelf = true
	diag.IncOp(comp, "append", "success")
	return m, nil
}

func (s *Source) degrade(t0 time.Time, rng string, err error) contract.FetchResult[contract.Message] {
	code := string(diag.Classify(err))
	diag.IncError(comp, code)
	s.log.ErrorWith(comp, code, "degraded: "+err.Error(), &t0, s.coll.String(), rng)
	return contract.Degraded[contract.Message](contract.Meta{TotalCount: int(s.last.Load())}, err)
}

var (
	_ contract.DataSource[contract.Message] = (*Source)(nil)
	_ contract.Appender[contract.Message]   = (*Source)(nil)
	_ contract.AliasKeyer[contract.Message] = (*Source)(nil)
)
