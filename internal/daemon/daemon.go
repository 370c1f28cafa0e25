// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/vpnrelay/internal/command"
	"firestige.xyz/vpnrelay/internal/config"
	"firestige.xyz/vpnrelay/internal/core"
	logpkg "firestige.xyz/vpnrelay/internal/log"
	"firestige.xyz/vpnrelay/internal/metrics"
	"firestige.xyz/vpnrelay/internal/rawsock"
	"firestige.xyz/vpnrelay/internal/relay"
	"firestige.xyz/vpnrelay/internal/rule"
	"firestige.xyz/vpnrelay/internal/transport"
	"firestige.xyz/vpnrelay/internal/user"
)

// Daemon manages the vpn-relay daemon process lifecycle.
type Daemon struct {
	// Configuration, guarded by mu once the control plane is up
	mu         sync.Mutex
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string
	opener     rawsock.Opener

	// Core components
	users         *user.Registry
	rules         *rule.Set
	relay         *relay.Relay
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	kafkaConsumer *command.KafkaCommandConsumer // nil if command channel disabled
	metricsServer *metrics.Server               // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
	sigChan      chan os.Signal
	udsDone      chan struct{}
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithOpener replaces the raw socket opener used by the relay transports.
func WithOpener(o rawsock.Opener) Option {
	return func(d *Daemon) { d.opener = o }
}

// New creates a new Daemon instance. An empty configPath runs on defaults;
// empty socketPath and pidFile fall back to the control section.
func New(configPath, socketPath, pidFile string, opts ...Option) (*Daemon, error) {
	globalConfig, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = globalConfig.Control.Socket
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.opener == nil {
		d.opener = rawsock.NewOpener(rawsock.Config{
			PollInterval: globalConfig.Relay.PollInterval,
			BPF:          globalConfig.Relay.BPF,
			TTL:          uint8(globalConfig.Relay.TTL),
		})
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

func loadConfig(path string) (*config.GlobalConfig, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	logpkg.GetLogger().WithFields(map[string]interface{}{
		"version":  command.Version,
		"hostname": d.config.Node.Hostname,
		"config":   d.configPath,
		"socket":   d.socketPath,
	}).Info("starting vpn-relay daemon")

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		d.removePIDFile()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Users, rules and the relay
	store, err := user.NewFileStore(d.config.Relay.UsersFile)
	if err != nil {
		d.abortStart()
		return fmt.Errorf("failed to open user store: %w", err)
	}
	d.users, err = user.NewRegistry(store)
	if err != nil {
		d.abortStart()
		return fmt.Errorf("failed to load users: %w", err)
	}
	d.rules = rule.NewSet()

	local, err := core.ParseNetworkAddress(d.config.Relay.ListenIP, d.config.Relay.ListenPort)
	if err != nil {
		d.abortStart()
		return err
	}
	factory := relay.NewTransportFactory(transport.Config{
		Local:       local,
		MaxAttempts: d.config.Relay.MaxAttempts,
		Opener:      d.opener,
	})
	d.relay = relay.New(d.users, d.rules, factory, nil)

	// 5. Create command handler
	d.cmdHandler = command.NewCommandHandler(d.users, d.rules, d.relay, d)
	d.cmdHandler.SetDefaultProtocol(d.config.Relay.Protocol)
	d.cmdHandler.SetShutdownFunc(func() {
		logpkg.GetLogger().Info("shutdown triggered via daemon_shutdown command")
		d.TriggerShutdown()
	})

	// 6. Start UDS server for CLI control
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	d.udsDone = make(chan struct{})
	go func() {
		defer close(d.udsDone)
		if err := d.udsServer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logpkg.GetLogger().WithError(err).Error("uds server failed")
		}
	}()

	// 7. Start Kafka command consumer (if enabled)
	if d.config.CommandChannel.Enabled && d.config.CommandChannel.Type == "kafka" {
		if err := d.startKafkaConsumer(); err != nil {
			// Non-fatal: daemon can still run with UDS-only control
			logpkg.GetLogger().WithError(err).Error("failed to start kafka consumer")
		}
	}

	// 8. Auto-start the relay
	if d.config.Relay.AutoStart {
		if err := d.relay.Start(d.config.Relay.Protocol); err != nil {
			logpkg.GetLogger().WithError(err).Error("failed to auto-start relay")
		}
	}

	logpkg.GetLogger().Info("daemon started successfully")
	return nil
}

// abortStart undoes the steps of a failed Start.
func (d *Daemon) abortStart() {
	if d.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.metricsServer.Stop(ctx)
		d.metricsServer = nil
	}
	d.removePIDFile()
}

// Stop performs graceful shutdown of all daemon components. Repeated calls
// are no-ops.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	logger := logpkg.GetLogger()
	logger.Info("initiating graceful shutdown")

	// 1. Stop Kafka command consumer first (no new commands)
	if d.kafkaConsumer != nil {
		logger.Info("stopping kafka command consumer")
		if err := d.kafkaConsumer.Stop(); err != nil {
			logger.WithError(err).Error("error stopping kafka consumer")
		}
	}

	// 2. Stop the relay
	if d.relay != nil {
		if err := d.relay.Stop(); err != nil && !errors.Is(err, core.ErrNotRunning) {
			logger.WithError(err).Error("error stopping relay")
		}
	}

	// 3. Stop UDS server (no new CLI commands)
	if d.udsServer != nil {
		logger.Info("stopping uds server")
		d.udsServer.Stop()
	}

	// 4. Stop metrics server
	if d.metricsServer != nil {
		logger.Info("stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Error("error stopping metrics server")
		}
	}

	// 5. Cancel context to signal all goroutines
	d.cancel()
	if d.udsDone != nil {
		<-d.udsDone
	}

	// 6. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 7. Remove PID file
	if err := d.removePIDFile(); err != nil {
		logger.WithError(err).Error("error removing PID file")
	}

	logger.Info("daemon stopped gracefully")

	// 8. Flush logs
	logpkg.Close()
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon_shutdown command via UDS/Kafka
//  3. SIGHUP triggers config reload
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	logpkg.GetLogger().Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logpkg.GetLogger().WithField("signal", sig.String()).Info("received shutdown signal")
				d.Stop()
				return nil

			case syscall.SIGHUP:
				logpkg.GetLogger().Info("received reload signal")
				if err := d.Reload(); err != nil {
					logpkg.GetLogger().WithError(err).Error("failed to reload config")
				}
			}

		case <-d.shutdownChan:
			logpkg.GetLogger().Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload reloads the global configuration.
// Hot-reloadable: log settings.
// Cold (requires restart): node.hostname, relay endpoint, metrics listen,
// command channel.
// Implements ConfigReloader interface for CommandHandler.
func (d *Daemon) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	logpkg.GetLogger().WithField("path", d.configPath).Info("reloading configuration")

	newConfig, err := loadConfig(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	oldConfig := d.config
	hotReloaded := []string{}
	if err := logpkg.Init(newConfig.Log); err != nil {
		// Non-fatal: old logging continues
		logpkg.GetLogger().WithError(err).Error("failed to reinitialize logging")
		newConfig.Log = oldConfig.Log
	} else {
		hotReloaded = append(hotReloaded, "log")
	}

	requiresRestart := []string{}
	if newConfig.Node.Hostname != oldConfig.Node.Hostname {
		requiresRestart = append(requiresRestart, "node.hostname")
	}
	if newConfig.Relay.ListenIP != oldConfig.Relay.ListenIP || newConfig.Relay.ListenPort != oldConfig.Relay.ListenPort {
		requiresRestart = append(requiresRestart, "relay.listen")
	}
	if newConfig.Relay.UsersFile != oldConfig.Relay.UsersFile {
		requiresRestart = append(requiresRestart, "relay.users_file")
	}
	if newConfig.Metrics != oldConfig.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.CommandChannel.Enabled != oldConfig.CommandChannel.Enabled {
		requiresRestart = append(requiresRestart, "command_channel")
	}
	if newConfig.Relay.Protocol != oldConfig.Relay.Protocol && d.cmdHandler != nil {
		d.cmdHandler.SetDefaultProtocol(newConfig.Relay.Protocol)
		hotReloaded = append(hotReloaded, "relay.protocol")
	}
	d.config = newConfig

	logpkg.GetLogger().WithFields(map[string]interface{}{
		"hot_reloaded":     hotReloaded,
		"requires_restart": requiresRestart,
	}).Info("configuration reloaded")
	return nil
}

// TriggerShutdown triggers graceful shutdown from external caller (e.g., daemon_shutdown command).
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownChan) })
}

// SocketPath returns the control socket path.
func (d *Daemon) SocketPath() string {
	return d.socketPath
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	logpkg.GetLogger().WithFields(map[string]interface{}{
		"level":  d.config.Log.Level,
		"format": d.config.Log.Format,
	}).Debug("logging initialized")
	return nil
}

// startKafkaConsumer starts the Kafka command consumer in background.
func (d *Daemon) startKafkaConsumer() error {
	consumer, err := command.NewKafkaCommandConsumer(
		d.config.CommandChannel,
		d.config.Node.Hostname,
		d.cmdHandler,
	)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	d.kafkaConsumer = consumer

	go func() {
		if err := consumer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, command.ErrConsumerStopped) {
			logpkg.GetLogger().WithError(err).Error("kafka consumer stopped with error")
		}
	}()
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		logpkg.GetLogger().Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return err
	}
	return nil
}

// writePIDFile writes the current process ID to the PID file. A PID file
// naming a live process means another daemon owns it.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if pid, err := ReadPIDFile(d.pidFile); err == nil && pid != os.Getpid() && ProcessAlive(pid) {
		return fmt.Errorf("daemon already running with pid %d: %w", pid, core.ErrAlreadyRunning)
	}
	if err := os.MkdirAll(filepath.Dir(d.pidFile), 0o755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")
	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	logpkg.GetLogger().WithFields(map[string]interface{}{
		"path": d.pidFile,
		"pid":  pid,
	}).Debug("PID file written")
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
