package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"

	"OpenCLMM-Chain/internal/api"
	"OpenCLMM-Chain/internal/auth"
	"OpenCLMM-Chain/internal/checkpoint"
	"OpenCLMM-Chain/internal/config"
	"OpenCLMM-Chain/internal/decision"
	"OpenCLMM-Chain/internal/engine"
	"OpenCLMM-Chain/internal/executor"
	"OpenCLMM-Chain/internal/observability/alerting"
	"OpenCLMM-Chain/internal/observability/metrics"
	"OpenCLMM-Chain/internal/scheduler"
	"OpenCLMM-Chain/internal/storage/mysql"
	"OpenCLMM-Chain/internal/venue"
	"OpenCLMM-Chain/internal/web3"
	"OpenCLMM-Chain/internal/web3/ethereum"
	"OpenCLMM-Chain/internal/web3/provider"
	"OpenCLMM-Chain/pkg/logger"

	"github.com/shopspring/decimal"
)

// main 是做市守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("clmmd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CLMM_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "clmm.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	store, err := newCheckpointStore(cfg)
	if err != nil {
		return err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	telemetry, err := newTelemetryRepository(cfg, dataDir)
	if err != nil {
		return err
	}
	if closer, ok := telemetry.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	queue, err := newCycleQueue(cfg)
	if err != nil {
		return err
	}
	defer queue.Close()

	catalog, err := venue.LoadCatalog(cfg.Venue.Catalog)
	if err != nil {
		return err
	}
	static := venue.NewStaticVenue()
	catalog.Populate(static)

	bundles := auth.NewMemoryStore()

	snapshots, builder, chains, cleanup, err := newVenue(ctx, cfg, catalog, static)
	if err != nil {
		return err
	}
	defer cleanup()

	signer, err := newSigner(cfg)
	if err != nil {
		return err
	}

	coordinator := executor.NewCoordinator(builder, chains, signer, bundles,
		executor.WithRetryInterval(time.Duration(cfg.Executor.RetryIntervalSeconds)*time.Second),
		executor.WithRetryDeadline(time.Duration(cfg.Executor.RetryDeadlineSeconds)*time.Second),
		executor.WithGasFallback(cfg.Executor.GasFallback),
	)

	supervisor := scheduler.NewSupervisor(queue, time.Duration(cfg.Strategy.CycleIntervalSeconds)*time.Second)
	defer supervisor.Close()

	eng := engine.NewEngine(store, snapshots, coordinator, bundles,
		engine.WithMarketReader(static),
		engine.WithScheduler(supervisor),
		engine.WithAlerts(newAlertDispatcher(cfg)),
		engine.WithMetrics(metrics.NewEngineRecorder()),
		engine.WithTelemetry(telemetry),
		engine.WithMode(executor.Mode(cfg.Executor.Mode)),
		engine.WithDefaultRisk(decision.RiskConfig{
			BandwidthBps:          cfg.Strategy.BandwidthBps,
			RebalanceThresholdBps: cfg.Strategy.RebalanceThresholdBps,
			MaxGasBudgetUSD:       decimal.NewFromFloat(cfg.Strategy.MaxGasBudgetUSD),
			AutoCompound:          *cfg.Strategy.AutoCompound,
			CompoundThresholdUSD:  decimal.NewFromFloat(cfg.Strategy.CompoundThresholdUSD),
		}),
		engine.WithSizingPercent(cfg.Strategy.SizingPercent),
		engine.WithGasUSDPerUnit(decimal.NewFromFloat(cfg.Strategy.GasUSDPerUnit)),
	)

	if err := eng.Recover(ctx); err != nil {
		return err
	}

	pump := scheduler.NewPump(queue, eng, cfg.Queue.Worker)
	pumpCtx, pumpCancel := context.WithCancel(ctx)
	defer pumpCancel()
	go func() {
		if err := pump.Run(pumpCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("轮询泵异常退出", "error", err.Error())
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", "error", err.Error())
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, eng, telemetry)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newCheckpointStore 按驱动创建线程检查点存储。
func newCheckpointStore(cfg *config.Config) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Driver {
	case "", "memory":
		return checkpoint.NewMemoryStore(), nil
	case "mysql":
		return checkpoint.NewMySQLStore(cfg.Checkpoint.DSN)
	default:
		return nil, fmt.Errorf("未知的检查点驱动: %s", cfg.Checkpoint.Driver)
	}
}

// newTelemetryRepository 按驱动创建周期遥测仓库。
func newTelemetryRepository(cfg *config.Config, dataDir string) (mysql.TelemetryRepository, error) {
	switch cfg.Telemetry.Driver {
	case "", "memory":
		return mysql.NewMemoryTelemetry(dataDir)
	case "mysql":
		return mysql.NewSQLTelemetry(cfg.Telemetry.DSN)
	default:
		return nil, fmt.Errorf("未知的遥测驱动: %s", cfg.Telemetry.Driver)
	}
}

// newCycleQueue 按驱动创建轮询队列。
func newCycleQueue(cfg *config.Config) (scheduler.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return scheduler.NewMemoryQueue(1024), nil
	case "redis":
		return scheduler.NewRedisQueue(scheduler.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return scheduler.NewRabbitMQQueue(scheduler.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// newVenue 按驱动组装快照来源与交易构建器。
// static 驱动读写都在目录灌入的内存数据上；evm 驱动走链上只读调用，
// 交易统一编码为对管理合约的调用。
func newVenue(ctx context.Context, cfg *config.Config, catalog venue.Catalog, static *venue.StaticVenue) (venue.SnapshotProvider, venue.TxBuilder, executor.ChainResolver, func(), error) {
	noop := func() {}
	switch cfg.Venue.Driver {
	case "", "static":
		registry, err := newSimulatedRegistry(catalog)
		if err != nil {
			return nil, nil, nil, noop, err
		}
		return static, static, registry, registry.Close, nil
	case "evm":
		registry, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return nil, nil, nil, noop, err
		}
		client, err := registry.DefaultClient()
		if err != nil {
			registry.Close()
			return nil, nil, nil, noop, err
		}
		builder, err := venue.NewManagerBuilder(common.HexToAddress(cfg.Venue.Manager))
		if err != nil {
			registry.Close()
			return nil, nil, nil, noop, err
		}
		reader := venue.NewEVMReader(client, catalog.PoolList())
		return reader, builder, registry, registry.Close, nil
	default:
		return nil, nil, nil, noop, fmt.Errorf("未知的交易所驱动: %s", cfg.Venue.Driver)
	}
}

// newSimulatedRegistry 为静态驱动构建一个纯本地的链客户端注册表：
// 目录里出现的每个链名都指向同一个内存模拟后端，燃气估算照常工作。
func newSimulatedRegistry(catalog venue.Catalog) (*provider.Registry, error) {
	backend := backends.NewSimulatedBackend(core.GenesisAlloc{}, 8_000_000)
	client := ethereum.NewSimulatedClient("local", big.NewInt(1337), backend)

	clients := map[string]web3.Client{"local": client}
	for _, pool := range catalog.Pools {
		if pool.Chain != "" {
			clients[pool.Chain] = client
		}
	}
	return provider.NewRegistryFromClients("local", clients)
}

// newSigner 在执行模式下从环境变量加载签名私钥。模拟模式不需要签名器。
func newSigner(cfg *config.Config) (*web3.Signer, error) {
	if cfg.Executor.Mode != string(executor.ModeExecute) {
		return nil, nil
	}
	if cfg.Executor.SignerKeyEnv == "" {
		return nil, errors.New("执行模式需要配置 signer_key_env")
	}
	key := strings.TrimSpace(os.Getenv(cfg.Executor.SignerKeyEnv))
	if key == "" {
		return nil, fmt.Errorf("环境变量 %s 未提供签名私钥", cfg.Executor.SignerKeyEnv)
	}
	return web3.NewSigner(key, big.NewInt(cfg.Executor.ChainID))
}

// newAlertDispatcher 按配置组装告警渠道，未配置任何渠道时返回 nil。
func newAlertDispatcher(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.Email.Enabled {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender: &alerting.SMTPEmailSender{
				Host:     cfg.Alerting.Email.Host,
				Port:     cfg.Alerting.Email.Port,
				Username: cfg.Alerting.Email.Username,
				Password: os.Getenv(cfg.Alerting.Email.PasswordEnv),
				From:     cfg.Alerting.Email.From,
			},
			To:            cfg.Alerting.Email.To,
			SubjectPrefix: cfg.Alerting.Email.SubjectPrefix,
		})
	}
	if cfg.Alerting.DingTalk.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: alerting.NewDingTalkWebhookSender(cfg.Alerting.DingTalk.WebhookURL),
		})
	}
	if cfg.Alerting.Slack.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackWebhookSender(cfg.Alerting.Slack.WebhookURL),
			ChannelID: cfg.Alerting.Slack.Channel,
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}
