package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"liuproxy_tunnel/internal/app"
	"liuproxy_tunnel/internal/shared/config"
	"liuproxy_tunnel/internal/shared/logger"
)

var (
	// 全局变量，用于持有当前为移动端运行的唯一 AppServer 实例
	activeAppServer *app.AppServer
	instanceMutex   sync.Mutex
)

const stopTimeout = 5 * time.Second

// StartVPN is the main entry point for mobile clients.
// configContent 是完整的 ini 配置文本，不做任何文件读写。
func StartVPN(configContent string) (err error) {
	// Defer a panic handler to convert panics into errors, which is safer for CGo boundaries.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic: %v\n\n%s", r, debug.Stack())
		}
	}()

	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer != nil {
		return fmt.Errorf("service is already running")
	}

	// 1. 解析配置
	cfg, err := config.Load(config.Source{Content: []byte(configContent)})
	if err != nil {
		return err
	}

	// 2. 初始化日志系统
	if err := logger.Init(cfg.LogConf()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Debug().Msg("Configuring and starting Go core for mobile (in-memory)...")

	// 3. 创建并启动，没有配置文件路径
	appServer, err := app.New(cfg, "")
	if err != nil {
		return err
	}
	if err := appServer.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start app server in mobile mode")
		return err
	}

	activeAppServer = appServer
	logger.Debug().Msg("Go core started successfully")
	return nil
}

// StopVPN stops the Go core. 返回是否真的停止了一个运行中的实例。
func StopVPN() (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Msgf("go core panic in StopVPN: %v", r)
			stopped = false
		}
	}()

	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer == nil {
		return false
	}
	logger.Debug().Msg("Stopping Go core for mobile...")
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err := activeAppServer.Shutdown(ctx)
	activeAppServer = nil
	if err != nil {
		logger.Warn().Err(err).Msg("Go core did not stop cleanly")
		return false
	}
	return true
}

func IsRunning() bool {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()
	return activeAppServer != nil && activeAppServer.IsRunning()
}

// GetListenPort 返回某个入站 ("socks", "http", "tunnel", "api") 的实际端口，未监听时返回 0
func GetListenPort(tag string) int {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()
	if activeAppServer == nil {
		return 0
	}
	if addr, ok := activeAppServer.Addr(tag).(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// QueryStats 返回运行时统计和各出站流量的 JSON
func QueryStats() (statsJson string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic in QueryStats: %v\n\n%s", r, debug.Stack())
			statsJson = "{}" // 在 panic 时返回一个空的 JSON 对象，避免 Kotlin 端崩溃
		}
	}()

	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer == nil {
		return "{}", nil
	}
	statsBytes, err := json.Marshal(struct {
		app.Stats
		Outbounds any `json:"outbounds"`
	}{activeAppServer.Stats(), activeAppServer.Outbounds()})
	if err != nil {
		return "{}", fmt.Errorf("failed to marshal stats: %w", err)
	}
	return string(statsBytes), nil
}

// GetRecentTargets returns a JSON string of recently accessed targets, filtered and without port/duplicates.
func GetRecentTargets() (targetsJson string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic in GetRecentTargets: %v", r)
			targetsJson = "[]" // Return empty JSON array on panic
		}
	}()

	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer == nil {
		return "[]", nil // Return empty JSON array if server is not running
	}
	targets := activeAppServer.RecentTargets()
	if targets == nil {
		targets = []string{}
	}
	statsBytes, err := json.Marshal(targets)
	if err != nil {
		return "[]", fmt.Errorf("failed to marshal recent targets: %w", err)
	}
	return string(statsBytes), nil
}

// ReloadRules 用新配置文本中的 [Rule] 段替换规则集，出站和监听保持不变。
func ReloadRules(configContent string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic in ReloadRules: %v", r)
		}
	}()

	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer == nil {
		return fmt.Errorf("service is not running")
	}
	return activeAppServer.ReloadFrom(config.Source{Content: []byte(configContent)})
}
