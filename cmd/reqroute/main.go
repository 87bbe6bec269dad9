package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"reqroute/internal/config"
	"reqroute/internal/logger"
	"reqroute/internal/rules"
	"reqroute/pkg/api"
	"reqroute/pkg/domain"
)

// main 附加浏览器调试目标并按规则文件拦截其网络流量
func main() {
	var (
		configPath = flag.String("config", "", "配置文件路径")
		rulesPath  = flag.String("rules", "", "声明式规则文件路径")
		devtools   = flag.String("devtools", "http://127.0.0.1:9222", "DevTools 地址")
		target     = flag.String("target", "", "调试目标ID，为空附加首个目标")
		record     = flag.Bool("record", false, "拦截裁决落库 SQLite")
	)
	flag.Parse()

	cfg := config.NewConfig()
	if *configPath != "" {
		c, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		cfg = c
	}
	l := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Writers: cfg.Log.Writer,
		File:    cfg.Log.File,
	})

	svc := api.NewService(l, cfg)
	sid, err := svc.StartSession(domain.SessionConfig{RecordTraffic: *record})
	if err != nil {
		fatal(err)
	}
	defer svc.StopSession(sid)

	scope, err := svc.NewContextScope(sid)
	if err != nil {
		fatal(err)
	}

	if *rulesPath != "" {
		rc, err := rules.LoadConfig(*rulesPath)
		if err != nil {
			fatal(err)
		}
		ids, err := svc.LoadRules(sid, scope, rc)
		if err != nil {
			fatal(err)
		}
		l.Info("规则文件已加载", "path", *rulesPath, "registrations", len(ids))
	}

	if err := svc.AttachBrowser(sid, scope, *devtools, *target); err != nil {
		fatal(err)
	}

	events, err := svc.SubscribeEvents(sid)
	if err != nil {
		fatal(err)
	}
	go func() {
		for evt := range events {
			l.Info("拦截事件",
				"type", evt.Type,
				"method", evt.Method,
				"url", evt.URL,
				"decision", string(evt.Decision))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	stats, err := svc.Stats(sid)
	if err == nil {
		l.Info("会话统计",
			"total", stats.Total,
			"continued", stats.Continued,
			"fulfilled", stats.Fulfilled,
			"aborted", stats.Aborted,
			"degraded", stats.Degraded)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "reqroute:", err)
	os.Exit(1)
}
