package contract

import (
	"strings"
	"time"
)

// Sender: 消息发送者的公开资料。
type Sender struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Attachment: 消息附件的只读视图（文件本身由存储服务管理）。
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Message: 聊天集合中的单条条目（线协议形状）。
// ClientID 为乐观发送时本地生成的临时标识，由后端持久化并回显。
type Message struct {
	ID          string       `json:"id"`
	ClientID    string       `json:"clientId,omitempty"`
	Text        string       `json:"text"`
	Sender      Sender       `json:"sender"`
	Timestamp   time.Time    `json:"timestamp"`
	IsSelf      bool         `json:"isSelf"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// ChannelID 仅出现在追加响应中：实际写入的集合标识（私信 new 解析后的会话）。
	ChannelID string `json:"channelId,omitempty"`
}

// MessageKey 为 Message 的标识提取函数。
func MessageKey(m Message) string { return m.ID }

// MessageAlias 为 Message 的临时标识提取函数。
func MessageAlias(m Message) string { return m.ClientID }

// Draft: 追加接口的请求体。
type Draft struct {
	Message      string   `json:"message"`
	Attachments  []string `json:"attachments,omitempty"`
	TargetUserID string   `json:"targetUserId,omitempty"`
	ClientID     string   `json:"clientId,omitempty"`
}

// Validate 校验请求体：message 必须为非空字符串。
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Message) == "" {
		return ErrInvalidInput
	}
	return nil
}
