package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/lumigraph/lumicache/internal/cache"
	"github.com/lumigraph/lumicache/internal/config"
	"github.com/lumigraph/lumicache/internal/lifecycle"
	"github.com/lumigraph/lumicache/internal/logging"
	"github.com/lumigraph/lumicache/internal/proxy"
	"github.com/lumigraph/lumicache/internal/server"
	"github.com/lumigraph/lumicache/internal/server/routes"
	"github.com/lumigraph/lumicache/internal/version"
	"github.com/lumigraph/lumicache/internal/worker"
)

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
		fields["generation"] = cfg.Worker.CacheName
		fields["core_assets"] = len(cfg.Worker.CoreAssets)
		fields["store"] = cfg.Store.Summary()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 缓存后端 → 网络 → Registration（恢复或安装当前版本）→ Fiber server。
	store, err := cache.Open(ctx, cfg.Store)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存后端失败: %v\n", err)
		return 1
	}
	defer store.Close()

	origin, upstream, err := parseEndpoints(cfg.Worker)
	if err != nil {
		fmt.Fprintf(stdErr, "解析 Origin/Upstream 失败: %v\n", err)
		return 1
	}
	network, err := proxy.NewHTTPNetwork(server.NewUpstreamClient(cfg), origin, upstream)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化网络失败: %v\n", err)
		return 1
	}

	reg, err := lifecycle.New(lifecycle.Options{
		Factory: func(m worker.Manifest, host worker.Host, versionID string) (*worker.Controller, error) {
			return worker.New(worker.Options{
				Manifest:  m,
				Origin:    origin,
				Store:     store,
				Network:   network,
				Host:      host,
				Logger:    logger,
				VersionID: versionID,
			})
		},
		Source:            configSource(opts.configPath),
		Logger:            logger,
		ClientIdleTimeout: cfg.Worker.ClientIdleTimeout.DurationValue(),
		UpdateInterval:    cfg.Worker.UpdateInterval.DurationValue(),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 Registration 失败: %v\n", err)
		return 1
	}
	defer reg.Close()

	if err := reg.Restore(ctx, manifestFromConfig(cfg.Worker)); err != nil {
		// 安装失败不阻止启动：未受控的请求直接走网络，周期更新会重试安装。
		logger.WithError(err).
			WithFields(logging.BaseFields("restore", opts.configPath)).
			Warn("initial_install_failed")
	}
	reg.Start()

	handler, err := proxy.NewHandler(proxy.Options{
		Dispatcher:   reg,
		Network:      network,
		Logger:       logger,
		Origin:       origin,
		ClientCookie: cfg.Worker.ClientCookie,

		CrossOrigin:          cfg.Worker.CrossOrigin,
		CrossOriginAllowlist: cfg.Worker.CrossOriginOrigins(),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化代理失败: %v\n", err)
		return 1
	}
	forwarder := proxy.NewForwarder(handler, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = origin.String()
	fields["upstream"] = upstream.String()
	fields["generation"] = cfg.Worker.CacheName
	fields["store"] = cfg.Store.Summary()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, forwarder, reg, store, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("lumicache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 LUMICACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("LUMICACHE_CONFIG")
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

// manifestFromConfig 把 [Worker] 段转换为版本清单。
func manifestFromConfig(w config.WorkerConfig) worker.Manifest {
	return worker.Manifest{
		CacheName:  w.CacheName,
		CoreAssets: append([]string(nil), w.CoreAssets...),
	}
}

// configSource 每次更新检查都重新读取配置文件，相当于重新下载 worker 脚本。
func configSource(path string) lifecycle.ManifestSource {
	return lifecycle.SourceFunc(func(context.Context) (worker.Manifest, error) {
		cfg, err := config.Load(path)
		if err != nil {
			return worker.Manifest{}, err
		}
		return manifestFromConfig(cfg.Worker), nil
	})
}

func parseEndpoints(w config.WorkerConfig) (*url.URL, *url.URL, error) {
	origin, err := url.Parse(w.Origin)
	if err != nil {
		return nil, nil, err
	}
	upstream, err := url.Parse(w.Upstream)
	if err != nil {
		return nil, nil, err
	}
	if !origin.IsAbs() || !upstream.IsAbs() {
		return nil, nil, errors.New("origin and upstream must be absolute URLs")
	}
	return origin, upstream, nil
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	proxyHandler server.ProxyHandler,
	reg *lifecycle.Registration,
	store cache.Storage,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterControlRoutes(app, reg, store, logger)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
