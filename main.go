package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlanGuo/https-proxy-server/internal/config"
	"github.com/AlanGuo/https-proxy-server/internal/logger"
	"github.com/AlanGuo/https-proxy-server/internal/server"
)

var version = "dev"

func main() {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	certsDir := flag.String("certs", "certs", "Directory containing the TLS identity (server.key, server.crt/fullchain.crt, optional ca.crt)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		fmt.Println("https-proxy-server version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("failed to load envfile: %v", err)
		}
		logger.Info("loaded environment variables from %s", *envfile)
	}

	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("debug logging enabled")
	}

	cfg, err := config.Load(*certsDir)
	if err != nil {
		logger.Fatal("failed to load configuration: %v", err)
	}

	logger.Info("starting https-proxy-server on port %d, upstream=%s", cfg.ListenPort, cfg.Upstream.Kind)

	srv := server.New(cfg)
	sv := server.NewSupervisor(srv)

	if err := sv.Run(context.Background()); err != nil {
		logger.Fatal("server error: %v", err)
	}

	logger.Info("shutdown complete")
}

// loadEnvFile reads a .env-style file and sets environment variables,
// grounded on the teacher's main.go loadEnvFile.
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
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if err := os.Setenv(key, val); err != nil {
			logger.Error("error setting environment variable %s: %v", key, err)
		}
	}
	return scanner.Err()
}
