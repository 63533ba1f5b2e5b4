package corrpipe

import (
	"io"

	"github.com/rs/zerolog"
)

// defaultLogger is disabled by default, following the teacher's
// posture of doing nothing unless a caller opts in: a Processor built
// without WithLogger logs nothing.
func defaultLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

func logDropped(log *zerolog.Logger, name, tag string, err error) {
	log.Error().
		Str("name", name).
		Str("tag", tag).
		Err(err).
		Msg("corrpipe: element dropped, resuming")
}

func logUncorrelated(log *zerolog.Logger, name string, dropped int64) {
	log.Warn().
		Str("name", name).
		Int64("dropped_responses", dropped).
		Msg("corrpipe: response matched no pending correlation key")
}

func logShutdown(log *zerolog.Logger, name string, pending int) {
	log.Info().
		Str("name", name).
		Int("pending_failed", pending).
		Msg("corrpipe: shutdown drained pipeline")
}
