// Package errorx 定义引擎中各类失败的分类。
// 所有错误都可以通过 errors.Is 与对应的哨兵错误匹配。
package errorx

import (
	stderrors "errors"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrConfig 规则集或出站配置非法，只在启动或重载时出现。
	ErrConfig = errors.New("config error")
	// ErrResolution 所有上游在超时内都没有给出可用记录。
	ErrResolution = errors.New("resolution error")
	// ErrDial 出站无法建立连接或数据报套接字。
	ErrDial = errors.New("dial error")
	// ErrRelay 转发过程中任一侧出现 I/O 错误。
	ErrRelay = errors.New("relay error")
	// ErrRuntimeControl 启停控制信号无法送达。
	ErrRuntimeControl = errors.New("runtime control error")
)

type kindErr struct {
	kind error
	err  error
}

func (e *kindErr) Error() string {
	var s strings.Builder
	s.WriteString(e.kind.Error())
	s.WriteString(": ")
	s.WriteString(e.err.Error())
	return s.String()
}

func (e *kindErr) Unwrap() []error { return []error{e.kind, e.err} }

func wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, kind) {
		return err
	}
	return errors.WithStack(&kindErr{kind: kind, err: err})
}

func Config(format string, args ...any) error {
	return wrap(ErrConfig, errors.Errorf(format, args...))
}

func WrapConfig(err error, msg string) error {
	if err == nil {
		return nil
	}
	return wrap(ErrConfig, errors.WithMessage(err, msg))
}

func Resolution(host string, err error) error {
	if err == nil {
		err = errors.New("no usable record")
	}
	return wrap(ErrResolution, errors.WithMessagef(err, "resolve %s", host))
}

func Dial(target string, err error) error {
	if err == nil {
		return nil
	}
	return wrap(ErrDial, errors.WithMessagef(err, "dial %s", target))
}

func Relay(err error) error {
	return wrap(ErrRelay, err)
}

func RuntimeControl(format string, args ...any) error {
	return wrap(ErrRuntimeControl, errors.Errorf(format, args...))
}

// Kind 返回错误所属的分类名，未分类时返回空字符串。
func Kind(err error) string {
	for _, k := range []error{ErrConfig, ErrResolution, ErrDial, ErrRelay, ErrRuntimeControl} {
		if stderrors.Is(err, k) {
			return k.Error()
		}
	}
	return ""
}

// IsTemporary 报告错误链上是否有声明自己可重试的错误，例如 accept 时的资源不足
func IsTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return stderrors.As(err, &t) && t.Temporary()
}
