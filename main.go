package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pezcode/http-roxy/roxy-srv/config"
	"github.com/pezcode/http-roxy/roxy-srv/logger"
	"github.com/pezcode/http-roxy/roxy-srv/proxy"
)

var version string

type options struct {
	configPath string
	debug      bool
	port       int
	workers    int
	watch      bool
}

func main() {
	cfg, opts := parseFlagsAndConfig()
	runProxy(cfg, opts)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (*config.Config, options) {
	var opts options
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	flag.StringVar(&opts.configPath, "config", "config.json", "Path to configuration file (.json, .hcl, .yaml)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	flag.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flag.IntVar(&opts.port, "port", 0, "Override the port of the listen address")
	flag.IntVar(&opts.workers, "workers", 0, "Override the number of workers")
	flag.BoolVar(&opts.watch, "watch", false, "Reload when the configuration file changes")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("roxy version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if opts.debug {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting roxy proxy server")
	logger.Debug("Using configuration file: %s", opts.configPath)

	cfg, err := loadConfig(opts)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		opts.configPath = ""
		cfg, err = loadConfig(opts)
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	logger.Debug("Configuration loaded successfully")
	logger.Debug("Listen address: %s", cfg.ListenAddress)
	logger.Debug("Workers: %d", cfg.Workers)
	logger.Debug("Keep-alive timeout: %d seconds", cfg.KeepAliveTimeoutSeconds)
	logger.Debug("Credentials: %d, forwards: %d, blocked domains: %d", len(cfg.Credentials), len(cfg.Forwards), len(cfg.Blocklist))

	return cfg, opts
}

// loadConfig loads the file named in opts and applies the command line
// overrides on top of it.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.port != 0 {
		cfg.SetPort(opts.port)
	}
	if opts.workers != 0 {
		cfg.Workers = opts.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// -debug wins over the configured level.
	if !opts.debug && cfg.LogLevel != "" {
		logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	}
	return cfg, nil
}

// runProxy starts and manages the proxy server, including signal handling and reloads.
func runProxy(cfg *config.Config, opts options) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	reloadChan := make(chan struct{}, 1)
	if opts.watch && opts.configPath != "" {
		go func() {
			err := config.Watch(ctx, opts.configPath, config.DefaultWatchDebounce, func() {
				select {
				case reloadChan <- struct{}{}:
				default:
				}
			})
			if err != nil {
				logger.Error("Config watcher stopped: %v", err)
			}
		}()
	}

	exited := make(chan error, 1)
	startProxy := func(c *config.Config) *proxy.Proxy {
		p := proxy.NewProxy(c)
		go func() {
			exited <- p.Start(ctx)
		}()
		return p
	}

	proxyInstance := startProxy(cfg)
	currentCfg := cfg

	reload := func() {
		newCfg, err := loadConfig(opts)
		if err != nil {
			logger.Error("Failed to reload config: %v (keeping current config)", err)
			return
		}
		if !config.HasChanged(currentCfg, newCfg) {
			logger.Info("Config unchanged after reload; not restarting proxy.")
			return
		}
		logger.Info("Config changed. Restarting proxy...")
		if err := proxyInstance.Stop(); err != nil {
			logger.Error("Error stopping proxy for reload: %v", err)
		}
		// The stopped instance reports on exited; drain it before restarting.
		if err := <-exited; err != nil {
			logger.Error("Proxy exited with error: %v", err)
		}
		proxyInstance = startProxy(newCfg)
		currentCfg = newCfg
		logger.Info("Proxy restarted with new configuration.")
	}

	for {
		select {
		case err := <-exited:
			if err != nil {
				logger.Fatal("Proxy server error: %v", err)
			}
			logger.Info("Proxy server stopped")
			return

		case <-reloadChan:
			logger.Info("Configuration file changed: reloading...")
			reload()

		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				reload()
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down proxy server...", sig)
				if err := proxyInstance.Stop(); err != nil {
					logger.Error("Error during shutdown: %v", err)
				}
				logger.Info("Proxy server shutdown complete")
				return
			}
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimPrefix(strings.TrimSpace(key), "export ")
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(strings.TrimSpace(key), val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
