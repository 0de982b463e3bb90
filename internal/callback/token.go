package callback

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "BizMCP/internal/errors"
)

// 常量定义。
const (
	tokenBytes      = 32
	callbackPath    = "/mcp/callback"
	defaultTokenTTL = time.Hour
)

const (
	CodeCallbackInvalid Code = "CALLBACK_INVALID"
	CodeCallbackExpired Code = "CALLBACK_EXPIRED"
)

// Code 复用统一错误码类型，便于各处判断回调校验结果。
type Code = xerrors.Code

var (
	// ErrInvalidCallback 表示回调参数缺失、被篡改或签名不匹配。
	ErrInvalidCallback = xerrors.New(CodeCallbackInvalid, "callback verification failed")
	// ErrExpiredCallback 表示回调令牌已超过有效期。
	ErrExpiredCallback = xerrors.New(CodeCallbackExpired, "callback token expired")
)

func init() {
	xerrors.Register(CodeCallbackInvalid, xerrors.Attributes{
		Message:   "callback verification failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCallbackExpired, xerrors.Attributes{
		Message:   "callback token expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Manager 负责签发和校验回调 URL 中携带的能力令牌。
// 校验是纯函数式的：除读取共享秘钥外没有任何副作用。
type Manager struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// Option 定义可选配置。
type Option func(*Manager)

// WithTTL 覆盖默认的令牌有效期。
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock 注入时钟，便于测试模拟过期。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 构造回调令牌管理器。secret 为空时随机生成一个进程级秘钥，
// 此时签发的令牌在进程重启后全部失效。
func NewManager(secret []byte, baseURL string, opts ...Option) (*Manager, error) {
	if len(secret) == 0 {
		generated := make([]byte, tokenBytes)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("生成回调秘钥失败: %w", err)
		}
		secret = generated
	}
	m := &Manager{
		secret:  secret,
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     defaultTokenTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// CallbackURL 为指定任务签发一个限时回调地址。
// 签名覆盖 task_id、expires_at 与随机 token 三个字段，秘钥不出现在 URL 中。
func (m *Manager) CallbackURL(taskID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(taskID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("生成回调 token 失败: %w", err)
	}
	token := hex.EncodeToString(raw)
	expiresAt := m.now().Add(ttl).Unix()

	signature := m.sign(taskID, expiresAt, token)

	values := url.Values{}
	values.Set("task_id", base64.RawURLEncoding.EncodeToString([]byte(taskID)))
	values.Set("token", token)
	values.Set("expires_at", strconv.FormatInt(expiresAt, 10))
	values.Set("signature", base64.RawURLEncoding.EncodeToString(signature))

	return m.baseURL + callbackPath + "?" + values.Encode(), nil
}

// Verify 校验回调参数并返回解码后的任务 ID。
// 任意字段缺失、解码失败、过期或签名不匹配都会整体拒绝，没有部分信任。
func (m *Manager) Verify(encodedTaskID, token, expiresAtRaw, encodedSignature string) (string, error) {
	if encodedTaskID == "" || token == "" || expiresAtRaw == "" || encodedSignature == "" {
		return "", ErrInvalidCallback
	}

	taskIDBytes, err := base64.RawURLEncoding.DecodeString(encodedTaskID)
	if err != nil {
		return "", ErrInvalidCallback
	}
	taskID := string(taskIDBytes)

	expiresAt, err := strconv.ParseInt(expiresAtRaw, 10, 64)
	if err != nil {
		return "", ErrInvalidCallback
	}
	if m.now().Unix() > expiresAt {
		return "", ErrExpiredCallback
	}

	provided, err := base64.RawURLEncoding.DecodeString(encodedSignature)
	if err != nil {
		return "", ErrInvalidCallback
	}
	expected := m.sign(taskID, expiresAt, token)
	if subtle.ConstantTimeCompare(expected, provided) != 1 {
		return "", ErrInvalidCallback
	}
	return taskID, nil
}

// sign 计算 HMAC-SHA256 签名，覆盖 "taskID:expiresAt:token"。
func (m *Manager) sign(taskID string, expiresAt int64, token string) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(taskID))
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.FormatInt(expiresAt, 10)))
	mac.Write([]byte(":"))
	mac.Write([]byte(token))
	return mac.Sum(nil)
}
