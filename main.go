package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stripecache/stripecache/internal/cache"
	"github.com/stripecache/stripecache/internal/config"
	"github.com/stripecache/stripecache/internal/logging"
	"github.com/stripecache/stripecache/internal/proxy"
	"github.com/stripecache/stripecache/internal/server"
	"github.com/stripecache/stripecache/internal/server/routes"
	"github.com/stripecache/stripecache/internal/version"
	"github.com/stripecache/stripecache/internal/volume"
)

// shutdownTimeout 限制关闭阶段刷出聚合缓冲与写 checkpoint 的时间。
const shutdownTimeout = 30 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["hubs"] = len(cfg.Hubs)
		fields["credentials"] = config.CredentialModes(cfg.Hubs)
		fields["volume"] = cfg.Cache.VolumePath
		fields["stripes"] = cfg.Cache.Stripes
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	registry, err := server.NewHubRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Hub 注册表失败: %v\n", err)
		return 1
	}

	// CLI 启动遵循“配置 → HubRegistry → 缓存卷 → 索引重建 → Fiber server”顺序，
	// 保证所有请求共享统一的路由与缓存实例。
	vol, store, err := openCache(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存卷失败: %v\n", err)
		return 1
	}

	httpClient := server.NewUpstreamClient(cfg)
	proxyHandler := proxy.NewHandler(httpClient, logger, store)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["hubs"] = len(cfg.Hubs)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["credentials"] = config.CredentialModes(cfg.Hubs)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	code := 0
	if err := startHTTPServer(cfg, registry, proxyHandler, vol, store, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		code = 1
	}

	proxyHandler.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := vol.Close(ctx); err != nil {
		logger.WithError(err).Error("关闭缓存卷失败")
		code = 1
	}
	return code
}

// openCache 打开卷文件并通过扫描重建对象索引。
func openCache(cfg *config.Config, logger *logrus.Logger) (*volume.Volume, *cache.VolumeStore, error) {
	c := cfg.Cache
	vol, err := volume.OpenFile(c.VolumePath, c.VolumeSize, c.DirectIO, volume.Options{
		Stripes:            c.Stripes,
		BlockSize:          c.BlockSize,
		AggSize:            c.AggSize,
		HighWaterMark:      c.HighWaterMark,
		SyncInterval:       c.SyncInterval.DurationValue(),
		CheckpointInterval: c.CheckpointInterval.DurationValue(),
		MaxWriteBacklog:    c.MaxWriteBacklog,
		ErrorThreshold:     c.ErrorThreshold,
		EnableChecksum:     c.EnableChecksum,
		SyncWrites:         c.SyncWrites,
		Logger:             logger,
	})
	if err != nil {
		return nil, nil, err
	}

	store, err := cache.NewStore(vol, cache.Options{
		MaxObjectSize:   c.MaxObjectSize,
		MaxFragmentSize: c.MaxFragmentSize,
		Logger:          logger,
	})
	if err == nil {
		_, err = store.Rebuild(context.Background())
	}
	if err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		vol.Close(ctx)
		return nil, nil, err
	}
	return vol, store, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("stripecache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 STRIPECACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("STRIPECACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(
	cfg *config.Config,
	registry *server.HubRegistry,
	proxyHandler server.ProxyHandler,
	vol *volume.Volume,
	store *cache.VolumeStore,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, registry, vol, store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止接收请求")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Fiber 服务关闭超时")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
