package contract

import "errors"

// 最小错误分类（用于上层策略判定与日志分类）。
var (
	// ErrInvalidInput: 入参违反契约（例如 Range.Length <= 0、未知 type）。
	ErrInvalidInput = errors.New("invalid input")
	// ErrResponseInvalid: 上游响应无法解码或形状不符。
	ErrResponseInvalid = errors.New("response invalid")
	// ErrTransport: 传输层失败（连接失败、非 2xx 等）。
	ErrTransport = errors.New("transport failure")
	// ErrRateLimited: 限流拒绝。
	ErrRateLimited = errors.New("rate limited")
	// ErrUnauthorized: 缺少会话身份。
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRejected: 内容审核拒绝。
	ErrRejected = errors.New("rejected")
	// ErrNotFound: 目标不存在。
	ErrNotFound = errors.New("not found")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)
