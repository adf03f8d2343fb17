package main

import (
	"flag"

	"github.com/danmuck/edgecmd/internal/config"
	"github.com/danmuck/edgecmd/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	kind := flag.String("kind", config.KindDispatch, "config kind: dispatch|agent")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "lint an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	observability.InitLogger("configgen")

	if *validate {
		path := *input
		if path == "" {
			def, err := config.DefaultPath(*kind)
			if err != nil {
				log.Fatal().Err(err).Msg("configgen")
			}
			path = def
		}
		if err := config.Lint(path, *kind); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("configgen lint failed")
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("configgen validated")
		return
	}

	target := *output
	if target == "" {
		def, err := config.DefaultPath(*kind)
		if err != nil {
			log.Fatal().Err(err).Msg("configgen")
		}
		target = def
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Msg("configgen")
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("configgen wrote template")
}
