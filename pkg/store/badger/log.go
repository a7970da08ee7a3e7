package badger

import (
	"fmt"
	"strings"

	"github.com/Hubmakerlabs/btprelay/pkg/slog"
)

// logger routes badger's own messages through slog, prefixed with the
// database path.
type logger struct {
	Level slog.Level
	Label string
}

func (l logger) text(s string, i ...any) string {
	return strings.TrimSpace(fmt.Sprintf(l.Label+": "+s, i...))
}

func (l logger) Errorf(s string, i ...any) {
	if l.Level >= slog.Error {
		log.E.Ln(l.text(s, i...))
	}
}

func (l logger) Warningf(s string, i ...any) {
	if l.Level >= slog.Warn {
		log.W.Ln(l.text(s, i...))
	}
}

func (l logger) Infof(s string, i ...any) {
	if l.Level >= slog.Info {
		log.I.Ln(l.text(s, i...))
	}
}

func (l logger) Debugf(s string, i ...any) {
	if l.Level >= slog.Debug {
		log.D.Ln(l.text(s, i...))
	}
}
