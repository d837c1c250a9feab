package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"liuproxy_tunnel/internal/app"
	"liuproxy_tunnel/internal/shared/config"
	"liuproxy_tunnel/internal/shared/logger"
)

func main() {
	iniPath := flag.String("c", "configs/liuproxy.ini", "Path to config file")
	testOnly := flag.Bool("T", false, "Test the config file and exit")
	flag.Parse()

	if *testOnly {
		summary, err := app.TestConfig(*iniPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config '%s' is invalid: %v\n", *iniPath, err)
			os.Exit(1)
		}
		fmt.Printf("config '%s' is ok: %s\n", *iniPath, summary)
		return
	}

	// 1. 加载 .ini 配置
	cfg, err := config.Load(config.Source{File: *iniPath})
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", *iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf()); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info().Str("config", *iniPath).Msg(config.Summary(cfg))

	// 2. 创建并运行服务器
	appServer, err := app.New(cfg, *iniPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build server")
	}
	if err := appServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				if err := appServer.Reload(); err != nil {
					logger.Error().Err(err).Msg("Reload failed, keeping current rules")
				}
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("Shutting down...")
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
			err := appServer.Shutdown(ctx)
			cancel()
			if err != nil {
				logger.Error().Err(err).Msg("Shutdown incomplete")
				os.Exit(1)
			}
			return
		case <-appServer.Done():
			// 通过 API 触发的关闭
			return
		}
	}
}
