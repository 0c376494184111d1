// Package moderation 在持久化前扫描外发消息：关键词黑名单与疑似卡号。
package moderation

import (
	"regexp"
	"strings"

	"projective/pkg/contract"
)

// DefaultBlocklist 为默认禁用词（小写，子串匹配）。
var DefaultBlocklist = []string{"badword", "scam", "bank_transfer"}

const (
	ReasonKeyword   = "Content contains prohibited keywords."
	ReasonSensitive = "Potential sensitive financial data detected."
)

// 13-16 位数字，允许空格或连字符分隔
var cardPattern = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)

// Rejection: 审核拒绝；errors.Is(err, contract.ErrRejected) 成立。
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return "message rejected: " + r.Reason }

func (r *Rejection) Unwrap() error { return contract.ErrRejected }

// Scanner 持有黑名单；零值不可用，使用 New。
type Scanner struct {
	words []string
}

// New 构造扫描器；words 为空时使用 DefaultBlocklist。
func New(words []string) *Scanner {
	if len(words) == 0 {
		words = DefaultBlocklist
	}
	lw := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			lw = append(lw, w)
		}
	}
	return &Scanner{words: lw}
}

// Scan 返回 nil 或 *Rejection。
func (s *Scanner) Scan(text string) error {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	for _, w := range s.words {
		if strings.Contains(lower, w) {
			return &Rejection{Reason: ReasonKeyword}
		}
	}
	if cardPattern.MatchString(text) {
		return &Rejection{Reason: ReasonSensitive}
	}
	return nil
}
