package main

import (
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-menshen/pkg/alerter"
	"go-menshen/pkg/auditlog"
	"go-menshen/pkg/captcha"
	"go-menshen/pkg/config"
	"go-menshen/pkg/engine"
	"go-menshen/pkg/gate"
	"go-menshen/pkg/logger"
	"go-menshen/pkg/mailer"
	"go-menshen/pkg/policy"
	"go-menshen/pkg/scorer"
	"go-menshen/pkg/storage"
	"go-menshen/pkg/window"
)

func init() {
	// 初始化配置
	if err := config.Init(); err != nil {
		logger.Log.Fatal("初始化配置失败:", err)
	}

	// 初始化日志
	if err := logger.Init(); err != nil {
		logger.Log.Fatal("初始化日志失败:", err)
	}
}

func main() {
	cfg := config.GlobalConfig

	logger.Log.Info("开始启动请求网关服务...")
	logger.Log.Infof("检测配置: connector=%s, mode=%s, block_crawling=%v",
		cfg.Detection.Connector, cfg.Detection.Mode, cfg.Detection.BlockCrawling)

	// 类别覆写策略，block/allow重叠是致命配置错误
	pol, err := policy.New(cfg.Types.Block, cfg.Types.Allow)
	if err != nil {
		logger.Log.Fatal("初始化类别策略失败:", err)
	}

	// 加载模型清单与打分器
	manifest, err := scorer.LoadManifest(cfg.Models.Dir)
	if err != nil {
		logger.Log.Fatal("加载模型索引失败:", err)
	}
	logger.Log.Infof("模型集: %s", manifest.Name)

	topicScorer, err := scorer.NewTopicScorer(filepath.Join(cfg.Models.Dir, manifest.TopicModel))
	if err != nil {
		logger.Log.Fatal("加载主题模型失败:", err)
	}

	// 容忍爬虫时用crawl角色的结构化模型，并跳过主题榜首的attack标签
	structuredPath := manifest.StructuredCrawlModel
	if cfg.Detection.BlockCrawling {
		structuredPath = manifest.StructuredAttackModel
	}
	structuredScorer, err := scorer.NewStructuredScorer(filepath.Join(cfg.Models.Dir, structuredPath))
	if err != nil {
		logger.Log.Fatal("加载结构化模型失败:", err)
	}
	typeScorer, err := scorer.NewStructuredScorer(filepath.Join(cfg.Models.Dir, manifest.StructuredTypeModel))
	if err != nil {
		logger.Log.Fatal("加载类别模型失败:", err)
	}

	// 每连接滑动窗口
	windows := window.NewStore(cfg.Detection.WindowSize,
		cfg.Detection.MaxConnections, cfg.Detection.KeepConnections)

	eng := engine.New(topicScorer, structuredScorer, typeScorer, pol, windows, engine.Config{
		Connector:       cfg.Detection.Connector,
		Mode:            cfg.Detection.Mode,
		SkipAttackLabel: !cfg.Detection.BlockCrawling,
		OnlineLearning:  cfg.Detection.OnlineLearning,
		ScorerTimeout:   time.Duration(cfg.Detection.ScorerTimeoutMS) * time.Millisecond,
	})

	// 告警链路：收件人没配就整体关闭
	var m mailer.Mailer
	if cfg.Mail.To != "" {
		m = mailer.New(&cfg)
	} else {
		logger.Log.Info("未配置邮件收件人，告警不生效")
	}

	// GeoIP数据库可选，配了就在紧急邮件里加来源列
	var cityDB, asnDB *geoip2.Reader
	if cfg.GeoIP.CityPath != "" {
		if cityDB, err = geoip2.Open(cfg.GeoIP.CityPath); err != nil {
			logger.Log.Fatal("初始化GeoIP数据库失败:", err)
		}
		defer cityDB.Close()
	}
	if cfg.GeoIP.ASNPath != "" {
		if asnDB, err = geoip2.Open(cfg.GeoIP.ASNPath); err != nil {
			logger.Log.Fatal("初始化ASN数据库失败:", err)
		}
		defer asnDB.Close()
	}

	al := alerter.New(m, cityDB, asnDB, cfg.Alert.SendEmergency, cfg.Alert.SendDaily)

	// 审计日志
	audit, err := auditlog.New(cfg.AuditLog.Dir, cfg.AuditLog.Mode)
	if err != nil {
		logger.Log.Fatal("初始化审计日志失败:", err)
	}

	// 初始化存储层 (MySQL、InfluxDB 和 Kafka)
	st, err := storage.NewStorage(&cfg)
	if err != nil {
		logger.Log.Fatal("初始化存储层失败:", err)
	}
	logger.Log.Info("存储层初始化成功")

	machine := captcha.NewMachine(captcha.NewSVGRenderer())

	g := gate.New(gate.NewContext(), eng, machine, al, audit, st, cfg.Captcha.Enabled)
	handler := gate.NewHandler(g, cfg.Server.SessionCookie)

	// 指标服务单独起一个端口
	if cfg.Server.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Server.MetricsListen, mux); err != nil {
				logger.Log.Errorf("指标服务启动失败: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// 优雅退出处理
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Log.Infof("网关服务监听 %s", cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Errorf("网关服务启动失败: %v", err)
			sigChan <- syscall.SIGTERM
		}
	}()

	logger.Log.Info("服务启动完成，等待请求...")

	// 等待退出信号
	sig := <-sigChan
	logger.Log.Infof("接收到信号 %v, 开始优雅退出", sig)

	srv.Close()
	// 审计日志的收尾"]"必须在进程退出前写掉
	if err := audit.Close(); err != nil {
		logger.Log.Errorf("关闭审计日志失败: %v", err)
	}
	st.Close()
}
