package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rjboer/heimdallclient/internal/app"
	"github.com/rjboer/heimdallclient/internal/config"
	"github.com/rjboer/heimdallclient/internal/connectionmgr"
	"github.com/rjboer/heimdallclient/internal/control"
	"github.com/rjboer/heimdallclient/internal/daq"
	"github.com/rjboer/heimdallclient/internal/logging"
	"github.com/rjboer/heimdallclient/internal/mdns"
	"github.com/rjboer/heimdallclient/internal/metrics"
	"github.com/rjboer/heimdallclient/internal/simulator"
	"github.com/rjboer/heimdallclient/internal/telemetry"
)

func main() {
	configPath := envString(os.LookupEnv, "HEIMDALL_CONFIG", "heimdall.yaml")
	base, err := loadOrCreateConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg, err := parseConfig(os.Args[1:], os.LookupEnv, base)
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, closer, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer closer.Close()
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("receiver stopped", logging.Field{Key: "error", Value: err})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	if cfg.Simulator.Enabled {
		cfg.Appliance.Host = "127.0.0.1"
		if err := startSimulator(ctx, cfg, logger); err != nil {
			return fmt.Errorf("simulator: %w", err)
		}
	}
	if cfg.Appliance.Host == "" {
		host, err := discover(ctx, cfg.Appliance.Service, logger)
		if err != nil {
			return err
		}
		cfg.Appliance.Host = host
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hub := telemetry.NewHub(cfg.Web.HistoryLimit)
	reporters := telemetry.MultiReporter{hub}
	var web *telemetry.WebServer
	if cfg.Web.Addr != "" {
		web = telemetry.NewWebServer(cfg.Web.Addr, hub, reg, logger)
	} else {
		reporters = append(reporters, telemetry.NewStdoutReporter(logger))
	}
	if cfg.MQTT.Enabled {
		mq, err := telemetry.NewMQTTReporter(telemetry.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
			Interval:    cfg.MQTT.Interval,
		}, logger)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer mq.Close()
		reporters = append(reporters, mq)
	}

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithReporter(reporters),
		app.WithStatus(hub),
		app.WithMetrics(m),
	}
	if cfg.SSH.Enabled {
		dialer, err := connectionmgr.NewSSHDialer(connectionmgr.SSHConfig{
			Host:     cfg.SSH.Host,
			Port:     cfg.SSH.Port,
			User:     cfg.SSH.User,
			Password: cfg.SSH.Password,
			KeyPath:  cfg.SSH.KeyPath,
		})
		if err != nil {
			return fmt.Errorf("ssh: %w", err)
		}
		defer dialer.Close()
		opts = append(opts, app.WithDialer(dialer))
	}

	recv := app.NewReceiver(receiverConfig(cfg), opts...)
	if cfg.Recorder.LoadPath != "" {
		if err := recv.LoadDump(cfg.Recorder.LoadPath, cfg.Recorder.LoadChannels); err != nil {
			recv.Stop()
			return err
		}
	}
	if web != nil {
		web.SetDisplay(recv)
		go func() {
			if err := web.Start(ctx); err != nil {
				logger.Error("web server", logging.Field{Key: "error", Value: err})
			}
		}()
		logger.Info("web interface", logging.Field{Key: "url", Value: "http://" + displayAddr(cfg.Web.Addr)})
	}
	logger.Info("starting receiver (Ctrl+C to stop)",
		logging.Field{Key: "control", Value: cfg.ControlAddress()},
		logging.Field{Key: "data", Value: cfg.DataAddress()})
	return recv.Run(ctx)
}

// startSimulator binds both appliance ports before returning so the
// receiver's first dial succeeds.
func startSimulator(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	sim := simulator.New(simulator.DefaultConfig(), logger)
	cln, err := net.Listen("tcp", cfg.ControlAddress())
	if err != nil {
		return err
	}
	dln, err := net.Listen("tcp", cfg.DataAddress())
	if err != nil {
		cln.Close()
		return err
	}
	serve := func(name string, fn func(context.Context, net.Listener) error, ln net.Listener) {
		if err := fn(ctx, ln); err != nil {
			logger.Error("simulator "+name+" port", logging.Field{Key: "error", Value: err})
		}
	}
	go serve("control", sim.ServeControl, cln)
	go serve("data", sim.ServeData, dln)
	return nil
}

func receiverConfig(cfg *config.Config) app.Config {
	data := daq.DefaultConfig(cfg.DataAddress())
	data.DialTimeout = cfg.Appliance.DialTimeout
	data.ReadTimeout = cfg.Stream.ReadTimeout
	data.ReconnectDelay = cfg.Stream.ReconnectDelay
	data.RecvBuffer = cfg.Stream.RecvBufferBytes
	data.MaxPayload = cfg.Stream.MaxPayloadBytes
	data.IntegrityChannel = cfg.Stream.IntegrityChannel
	data.IntegrityThreshold = cfg.Stream.IntegrityThreshold

	return app.Config{
		Control: control.Config{
			Address:     cfg.ControlAddress(),
			DialTimeout: cfg.Appliance.DialTimeout,
		},
		Data: data,
		Settings: control.Settings{
			FrequencyMHz:     cfg.Radio.FrequencyMHz,
			Gains:            cfg.Radio.Gains,
			SquelchThreshold: cfg.Radio.SquelchThreshold,
		},
		AGC:            cfg.Radio.AGC,
		DisplayChannel: cfg.Display.Channel,
		DumpPath:       cfg.Recorder.DumpPath,
		DumpInterval:   cfg.Recorder.Interval,
	}
}

func discover(ctx context.Context, service string, logger logging.Logger) (string, error) {
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	hosts, err := mdns.Discover(dctx, service)
	if err != nil {
		return "", fmt.Errorf("discover appliance: %w", err)
	}
	if len(hosts) == 0 {
		return "", fmt.Errorf("no %s appliance found", service)
	}
	host, _, err := net.SplitHostPort(hosts[0].Address())
	if err != nil {
		return "", err
	}
	logger.Info("discovered appliance", logging.Field{Key: "instance", Value: hosts[0].Instance}, logging.Field{Key: "host", Value: host})
	return host, nil
}

func newLogger(cfg *config.Config) (logging.Logger, io.Closer, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return logging.NewWithFile(level, format, os.Stderr, logging.FileConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
}

// parseConfig overlays environment variables and then flags on base.
func parseConfig(args []string, lookup func(string) (string, bool), base *config.Config) (*config.Config, error) {
	cfg := *base
	var (
		gains   string
		squelch float64
	)
	fs := flag.NewFlagSet("heimdall", flag.ContinueOnError)
	fs.StringVar(&cfg.Appliance.Host, "host", envString(lookup, "HEIMDALL_HOST", base.Appliance.Host), "Appliance host name or IP")
	fs.IntVar(&cfg.Appliance.ControlPort, "control-port", envInt(lookup, "HEIMDALL_CONTROL_PORT", base.Appliance.ControlPort), "Control port")
	fs.IntVar(&cfg.Appliance.DataPort, "data-port", envInt(lookup, "HEIMDALL_DATA_PORT", base.Appliance.DataPort), "Data port")
	fs.BoolVar(&cfg.Appliance.Discover, "discover", envBool(lookup, "HEIMDALL_DISCOVER", base.Appliance.Discover), "Find the appliance over mDNS when no host is set")
	fs.StringVar(&cfg.Radio.FrequencyMHz, "freq", envString(lookup, "HEIMDALL_FREQ_MHZ", base.Radio.FrequencyMHz), "Center frequency in MHz")
	fs.StringVar(&gains, "gains", envString(lookup, "HEIMDALL_GAINS", joinInts(base.Radio.Gains)), "Comma separated gains in tenths of a dB")
	fs.Float64Var(&squelch, "squelch", envFloat(lookup, "HEIMDALL_SQUELCH", float64(base.Radio.SquelchThreshold)), "Squelch threshold")
	fs.BoolVar(&cfg.Radio.AGC, "agc", envBool(lookup, "HEIMDALL_AGC", base.Radio.AGC), "Enable automatic gain control")
	fs.IntVar(&cfg.Display.Channel, "channel", envInt(lookup, "HEIMDALL_CHANNEL", base.Display.Channel), "Display channel")
	fs.StringVar(&cfg.Web.Addr, "web-addr", envString(lookup, "HEIMDALL_WEB_ADDR", base.Web.Addr), "Optional web telemetry listen address (e.g. :8080)")
	fs.StringVar(&cfg.Logging.Level, "log-level", envString(lookup, "HEIMDALL_LOG_LEVEL", base.Logging.Level), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.Logging.Format, "log-format", envString(lookup, "HEIMDALL_LOG_FORMAT", base.Logging.Format), "Log format (text|json)")
	fs.StringVar(&cfg.Logging.File, "log-file", envString(lookup, "HEIMDALL_LOG_FILE", base.Logging.File), "Optional rotating log file")
	fs.StringVar(&cfg.MQTT.Broker, "mqtt-broker", envString(lookup, "HEIMDALL_MQTT_BROKER", base.MQTT.Broker), "MQTT broker URL; enables MQTT publishing")
	fs.StringVar(&cfg.Recorder.DumpPath, "dump", envString(lookup, "HEIMDALL_DUMP", base.Recorder.DumpPath), "Overwrite this file with the latest I/Q frame")
	fs.StringVar(&cfg.Recorder.LoadPath, "load-dump", envString(lookup, "HEIMDALL_LOAD_DUMP", base.Recorder.LoadPath), "Seed the spectra from this I/Q dump before streaming")
	fs.IntVar(&cfg.Recorder.LoadChannels, "load-channels", envInt(lookup, "HEIMDALL_LOAD_CHANNELS", base.Recorder.LoadChannels), "Channel count of the dump given by -load-dump")
	fs.BoolVar(&cfg.Simulator.Enabled, "simulate", envBool(lookup, "HEIMDALL_SIMULATE", base.Simulator.Enabled), "Run against a built-in simulated appliance")
	fs.StringVar(&cfg.SSH.Host, "ssh-host", envString(lookup, "HEIMDALL_SSH_HOST", base.SSH.Host), "Tunnel both sockets through this SSH host")
	fs.StringVar(&cfg.SSH.User, "ssh-user", envString(lookup, "HEIMDALL_SSH_USER", base.SSH.User), "SSH user")
	fs.StringVar(&cfg.SSH.KeyPath, "ssh-key", envString(lookup, "HEIMDALL_SSH_KEY", base.SSH.KeyPath), "SSH private key path")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Radio.SquelchThreshold = float32(squelch)

	parsed, err := parseInts(gains)
	if err != nil {
		return nil, fmt.Errorf("gains: %w", err)
	}
	cfg.Radio.Gains = parsed
	if cfg.MQTT.Broker != "" && cfg.MQTT.Broker != base.MQTT.Broker {
		cfg.MQTT.Enabled = true
	}
	if cfg.SSH.Host != "" && cfg.SSH.Host != base.SSH.Host {
		cfg.SSH.Enabled = true
	}
	return &cfg, nil
}

func loadOrCreateConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg = config.Default()
	if err := cfg.Save(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func displayAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func parseInts(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
