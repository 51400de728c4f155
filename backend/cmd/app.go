package main

import (
	"os"

	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := newRootCmd(&logger).Execute(); err != nil {
		logger.Fatal().Err(err).Msg("command failed")
	}
}
