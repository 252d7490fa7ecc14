package main

import (
	"flag"

	"github.com/danmuck/scope/internal/config"
	"github.com/danmuck/scope/internal/observability"
)

func defaultPath(kind string) (string, bool) {
	switch kind {
	case "scoped":
		return "cmd/scoped/config.toml", true
	case "scopectl":
		return "cmd/scopectl/config.toml", true
	default:
		return "", false
	}
}

func main() {
	kind := flag.String("kind", "scoped", "config kind: scoped|scopectl")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	log := observability.InitLogger("configgen", false)

	path, ok := defaultPath(*kind)
	if !ok {
		log.Fatal().Str("kind", *kind).Msg("unknown config kind")
	}

	if *validate {
		if *input != "" {
			path = *input
		}
		if err := config.Check(path, *kind); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("config invalid")
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("validated config")
		return
	}

	if *output != "" {
		path = *output
	}
	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("write template failed")
	}
	log.Info().Str("kind", *kind).Str("path", path).Msg("wrote config template")
}
