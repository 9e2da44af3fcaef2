package profiler

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/schedscope/schedscope/internal/config"
)

// selectBackend activates one backend for a session.
//
// Auto selection walks the candidates in their fixed priority order
// (statistical, monitor, heartbeat), activates the first whose probe passes
// and whose Begin succeeds, and degrades to the no-op backend if none starts.
// A pinned selection bypasses probing and fails fast when the backend cannot
// start. Selection happens once per session and is never re-evaluated.
func selectBackend(sel config.BackendSelection, candidates []Backend, g *Guard, logger zerolog.Logger) (Backend, error) {
	if sel != config.BackendAuto {
		name := sel.String()
		for _, b := range candidates {
			if b.Name() != name {
				continue
			}
			if err := b.Begin(g); err != nil {
				return nil, fmt.Errorf("pinned backend %s: %w", name, err)
			}
			return b, nil
		}
		return nil, fmt.Errorf("%w: no backend named %s", ErrBackendUnavailable, name)
	}

	for _, b := range candidates {
		if !b.Probe() {
			logger.Debug().Str("backend", b.Name()).Msg("backend probe failed, trying next")
			continue
		}
		if err := b.Begin(g); err != nil {
			logger.Warn().Err(err).Str("backend", b.Name()).Msg("backend failed to start, trying next")
			continue
		}
		return b, nil
	}

	logger.Warn().Msg("no backend available, session degrades to empty statistics")
	nb := noopBackend{}
	if err := nb.Begin(g); err != nil {
		return nil, err
	}
	return nb, nil
}
