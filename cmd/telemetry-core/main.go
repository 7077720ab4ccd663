package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ssw-telemetry/telemetry-core/internal/app"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	if configFile == "" {
		if env := os.Getenv("TELEMETRY_CONFIG_FILE"); env != "" {
			configFile = env
		} else {
			configFile = "/etc/telemetry-core/config.yaml"
		}
	}

	application, err := app.New(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "application error: %v\n", err)
		os.Exit(1)
	}
}
