//go:build tools

package mobile

// gomobile bind 需要 golang.org/x/mobile/bind 出现在模块依赖中
import _ "golang.org/x/mobile/bind"
