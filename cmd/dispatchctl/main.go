package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/danmuck/edgecmd/internal/observability"
	"github.com/danmuck/edgecmd/internal/server"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "cmd/dispatchctl/config.toml", "control plane config path")
	flag.Parse()

	observability.InitLogger("dispatchctl")

	cfg := server.DefaultServiceConfig()
	if _, err := os.Stat(*path); err == nil {
		loaded, err := loadServiceConfig(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dispatchctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else if !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "dispatchctl: %v\n", err)
		os.Exit(1)
	} else {
		log.Warn().Str("path", *path).Msg("dispatchctl config not found, using defaults")
	}

	svc := server.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "dispatchctl: %v\n", err)
		os.Exit(1)
	}
}
