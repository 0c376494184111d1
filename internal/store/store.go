// Package store 提供服务端集合存储：按集合保存消息，位置 0 为最早一条。
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"projective/pkg/contract"
)

// Store: 集合存储接口。实现需并发安全。
type Store interface {
	// Count 返回集合条目数；未知集合为 0。
	Count(ctx context.Context, c contract.CollectionID) (int, error)
	// Range 返回 [start, start+limit) 内的条目（越界部分截断，不报错）。
	Range(ctx context.Context, c contract.CollectionID, start, limit int) ([]contract.Message, error)
	// Append 追加一条消息并返回持久化后的表示。
	// ID 为空时分配 ksuid；Timestamp 为零时取当前时间；
	// ClientID 非空时按 (kind, collection, clientId) 幂等：重复追加返回已有条目。
	Append(ctx context.Context, c contract.CollectionID, m contract.Message) (contract.Message, error)
	Close() error
}

var errClosed = fmt.Errorf("store closed: %w", contract.ErrInvariantViolation)

// NewID 分配按时间排序的消息标识。
func NewID(t time.Time) string {
	id, err := ksuid.NewRandomWithTime(t)
	if err != nil {
		return ksuid.New().String()
	}
	return id.String()
}

// prepare 补齐追加前的缺省字段。
func prepare(m contract.Message, now time.Time) contract.Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = now.UTC()
	}
	if m.ID == "" {
		m.ID = NewID(m.Timestamp)
	}
	m.IsSelf = false // 由读取方按请求者计算
	m.ChannelID = ""
	return m
}

func clampWindow(n, start, limit int) (int, int) {
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	end := start + max(limit, 0)
	if end > n {
		end = n
	}
	return start, end
}

// DMThreadID 返回两位用户间私信会话的确定性标识（与参与方顺序无关）。
func DMThreadID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(a + "\x00" + b))
	return "dm-" + hex.EncodeToString(sum[:8])
}

var fixtureTexts = []string{
	"Hey there!",
	"How is the project going?",
	"Just pushing some updates now. This is a longer message to test variable heights in the virtualizer.",
	"Cool. Can you send the file?",
	"Did you see the latest PR?",
	"Checking it now. Looks good but needs more tests.",
	"I will handle that tomorrow.",
	"Perfect, thanks!",
}

// FixtureSize 为阶段聊天的固定集合大小（稳定分页测试）。
const FixtureSize = 125

// FixtureMessage 生成确定性的第 i 条消息：i=0 最早，i=n-1 距 now 10 分钟。
func FixtureMessage(i, n int, now time.Time) contract.Message {
	sender := contract.Sender{ID: "client", Name: "Client"}
	if i%2 == 0 {
		sender = contract.Sender{ID: "you", Name: "You"}
	}
	return contract.Message{
		ID:        fmt.Sprintf("msg-%d", i),
		ClientID:  fmt.Sprintf("fixture-%d", i),
		Text:      fmt.Sprintf("Message #%d - %s", i, fixtureTexts[i%len(fixtureTexts)]),
		Sender:    sender,
		Timestamp: now.Add(-time.Duration(n-i) * 10 * time.Minute).UTC().Truncate(time.Second),
	}
}

// SeedFixture 向集合写入 n 条固定消息；基于 clientId 幂等，可重复调用。
func SeedFixture(ctx context.Context, s Store, c contract.CollectionID, n int, now time.Time) error {
	have, err := s.Count(ctx, c)
	if err != nil {
		return err
	}
	for i := have; i < n; i++ {
		if _, err := s.Append(ctx, c, FixtureMessage(i, n, now)); err != nil {
			return fmt.Errorf("seed %s #%d: %w", c, i, err)
		}
	}
	return nil
}

// ForViewer 按请求者计算 isSelf（就地修改）。
func ForViewer(ms []contract.Message, userID string) []contract.Message {
	for i := range ms {
		ms[i].IsSelf = userID != "" && ms[i].Sender.ID == userID
	}
	return ms
}

// AttachmentRefs 将上传文件 id 映射为只读附件视图（文件访问走存储服务）。
func AttachmentRefs(ids []string) []contract.Attachment {
	if len(ids) == 0 {
		return nil
	}
	out := make([]contract.Attachment, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		out = append(out, contract.Attachment{ID: id, URL: "/api/v1/files/" + id + "/access"})
	}
	return out
}

// FromDraft 由请求体与发送者构造待追加消息。
func FromDraft(d contract.Draft, sender contract.Sender) contract.Message {
	return contract.Message{
		ClientID:    d.ClientID,
		Text:        d.Message,
		Sender:      sender,
		Attachments: AttachmentRefs(d.Attachments),
	}
}
