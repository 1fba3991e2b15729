// Package apperror 定义在线状态子系统的错误分类。
//
// 调用方只依赖 Kind 做决策：
//   - AuthInvalid：会话失效或账号被限制，停止写入，不重试
//   - TransientNetwork：有限次数退避重试
//   - ConstraintViolation：记录日志并返回给调用方，不盲目重试
//   - NotFound：视为已清理，删除类操作按成功处理
package apperror

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind int

const (
	Unknown Kind = iota
	AuthInvalid
	TransientNetwork
	ConstraintViolation
	NotFound
)

func (k Kind) String() string {
	switch k {
	case AuthInvalid:
		return "auth_invalid"
	case TransientNetwork:
		return "transient_network"
	case ConstraintViolation:
		return "constraint_violation"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error 带类别的错误
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建带类别的错误
func New(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf 以格式化消息创建带类别的错误
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf 返回错误链上第一个 *Error 的类别
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is 判断错误是否属于某个类别
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

var (
	ErrPresenceNotFound = New(NotFound, "", errors.New("在线记录不存在"))
	ErrUserNotFound     = New(NotFound, "", errors.New("用户不存在"))
	ErrUserRestricted   = New(AuthInvalid, "", errors.New("账号已被踢出或封禁"))
	ErrTokenInvalid     = New(AuthInvalid, "", errors.New("令牌无效或已过期"))
	ErrInvalidArgument  = New(ConstraintViolation, "", errors.New("参数无效"))
)
