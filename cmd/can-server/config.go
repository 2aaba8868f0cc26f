package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

type appConfig struct {
	device          string
	vid             string
	pid             string
	port            int
	baud            int
	speed           int
	logfile         string
	verbose         int
	logFormat       string
	pidfile         string
	echo            bool
	maxClients      int
	hubBuffer       int
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	checkFile       string
}

// countFlag implements a repeatable -verbose flag.
type countFlag int

func (c *countFlag) String() string { return strconv.Itoa(int(*c)) }
func (c *countFlag) IsBoolFlag() bool { return true }
func (c *countFlag) Set(v string) error {
	switch v {
	case "", "true":
		*c++
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*c = countFlag(n)
	return nil
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	var verbose countFlag
	device := flag.String("device", "", "Serial device path (overrides vid/pid discovery)")
	vid := flag.String("vid", "", "USB vendor id for device discovery (hex, e.g. 0403)")
	pid := flag.String("pid", "", "USB product id for device discovery (hex)")
	port := flag.Int("port", 4444, "TCP command port (bound to loopback)")
	baud := flag.Int("baud", 115200, "Adapter UART baud rate")
	speed := flag.Int("speed", 0, "Initial CAN bitrate in kbaud (10..3000, required)")
	logfile := flag.String("logfile", "", "Log file path; empty logs to stderr")
	flag.Var(&verbose, "verbose", "Increase log verbosity (repeatable)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	pidfile := flag.String("pidfile", "/tmp/canserver.pid", "Single-instance lock file")
	echo := flag.Bool("echo", false, "Mirror client input back before processing")
	maxClients := flag.Int("max-clients", 3, "Maximum simultaneous TCP clients")
	hubBuf := flag.Int("hub-buffer", 512, "Per-client broadcast buffer (lines)")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the command port")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default canserver-<hostname>)")
	checkFile := flag.String("check", "", "Validate a data file against the dictionary and exit")
	configFile := flag.String("config", "", "Optional ini config file (flags and env win)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence
	// over env and file values.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.device = *device
	cfg.vid = *vid
	cfg.pid = *pid
	cfg.port = *port
	cfg.baud = *baud
	cfg.speed = *speed
	cfg.logfile = *logfile
	cfg.verbose = int(verbose)
	cfg.logFormat = *logFormat
	cfg.pidfile = *pidfile
	cfg.echo = *echo
	cfg.maxClients = *maxClients
	cfg.hubBuffer = *hubBuf
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.checkFile = *checkFile

	if *configFile != "" {
		if err := applyFileDefaults(cfg, *configFile, setFlags); err != nil {
			fmt.Printf("config file error: %v\n", err)
			return nil, *showVersion
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners - only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("port out of range: %d", c.port)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.checkFile == "" {
		if c.speed == 0 {
			return errors.New("CAN bitrate required: set -speed")
		}
		if c.speed < 10 || c.speed > 3000 {
			return fmt.Errorf("speed out of range: %d (want 10..3000)", c.speed)
		}
	}
	if c.maxClients <= 0 {
		return fmt.Errorf("max-clients must be > 0 (got %d)", c.maxClients)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}

// applyFileDefaults loads an ini file into fields whose flags were
// not set on the command line. Env overrides run afterwards, so the
// resulting precedence is flag > env > file.
func applyFileDefaults(c *appConfig, path string, set map[string]struct{}) error {
	f, err := ini.Load(path)
	if err != nil {
		return err
	}
	sec := f.Section("")
	str := func(flagName, key string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if sec.HasKey(key) {
			*dst = sec.Key(key).String()
		}
	}
	num := func(flagName, key string, dst *int) error {
		if _, ok := set[flagName]; ok {
			return nil
		}
		if sec.HasKey(key) {
			n, err := sec.Key(key).Int()
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	str("device", "device", &c.device)
	str("vid", "vid", &c.vid)
	str("pid", "pid", &c.pid)
	str("logfile", "logfile", &c.logfile)
	str("log-format", "log_format", &c.logFormat)
	str("pidfile", "pidfile", &c.pidfile)
	str("metrics-addr", "metrics_addr", &c.metricsAddr)
	str("mdns-name", "mdns_name", &c.mdnsName)
	if err := num("port", "port", &c.port); err != nil {
		return err
	}
	if err := num("baud", "baud", &c.baud); err != nil {
		return err
	}
	if err := num("speed", "speed", &c.speed); err != nil {
		return err
	}
	if err := num("max-clients", "max_clients", &c.maxClients); err != nil {
		return err
	}
	if err := num("hub-buffer", "hub_buffer", &c.hubBuffer); err != nil {
		return err
	}
	if err := num("verbose", "verbose", &c.verbose); err != nil {
		return err
	}
	if _, ok := set["echo"]; !ok && sec.HasKey("echo") {
		if b, err := sec.Key("echo").Bool(); err == nil {
			c.echo = b
		}
	}
	if _, ok := set["mdns-enable"]; !ok && sec.HasKey("mdns_enable") {
		if b, err := sec.Key("mdns_enable").Bool(); err == nil {
			c.mdnsEnable = b
		}
	}
	return nil
}

// applyEnvOverrides maps CAN_SERVER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	num := func(flagName, env string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	boolean := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}
	str("device", "CAN_SERVER_DEVICE", &c.device)
	str("vid", "CAN_SERVER_VID", &c.vid)
	str("pid", "CAN_SERVER_PID", &c.pid)
	str("logfile", "CAN_SERVER_LOGFILE", &c.logfile)
	str("log-format", "CAN_SERVER_LOG_FORMAT", &c.logFormat)
	str("pidfile", "CAN_SERVER_PIDFILE", &c.pidfile)
	str("metrics-addr", "CAN_SERVER_METRICS", &c.metricsAddr)
	str("mdns-name", "CAN_SERVER_MDNS_NAME", &c.mdnsName)
	num("port", "CAN_SERVER_PORT", &c.port)
	num("baud", "CAN_SERVER_BAUD", &c.baud)
	num("speed", "CAN_SERVER_SPEED", &c.speed)
	num("max-clients", "CAN_SERVER_MAX_CLIENTS", &c.maxClients)
	num("hub-buffer", "CAN_SERVER_HUB_BUFFER", &c.hubBuffer)
	num("verbose", "CAN_SERVER_VERBOSE", &c.verbose)
	boolean("echo", "CAN_SERVER_ECHO", &c.echo)
	boolean("mdns-enable", "CAN_SERVER_MDNS_ENABLE", &c.mdnsEnable)
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CAN_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_SERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
