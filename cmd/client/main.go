package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/kindlyrobotics/phonebox/internal/cli"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
	"github.com/kindlyrobotics/phonebox/internal/keystore"
	"github.com/kindlyrobotics/phonebox/internal/logging"
	"go.uber.org/zap"
)

func main() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	defaultKeyFile := filepath.Join(home, ".phonebox", "identity.json")

	server := flag.String("server", getEnvOrDefault("PHONEBOX_SERVER", "http://localhost:8080"), "phonebox server URL")
	keyFile := flag.String("keyfile", getEnvOrDefault("PHONEBOX_KEYFILE", defaultKeyFile), "path of the local identity file")
	scheme := flag.String("scheme", os.Getenv("PHONEBOX_SCHEME"), "message scheme: box or sealed (default: as advertised by the server)")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	level := "error"
	if *verbose {
		level = "debug"
	}
	logger, err := logging.New(level, true)
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	var parsed crypto.Scheme
	if *scheme != "" {
		if parsed, err = crypto.ParseScheme(*scheme); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	cfg := cli.Config{
		Server:      *server,
		SessionFile: filepath.Join(filepath.Dir(*keyFile), "session.json"),
		Scheme:      parsed,
	}
	app := cli.NewApp(cfg, keystore.NewFile(*keyFile), os.Stdin, os.Stdout, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := app.Run(ctx, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
