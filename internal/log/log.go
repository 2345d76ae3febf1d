// Package log provides logging utilities.
package log

import (
	"context"
	"log/slog"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(addr netip.AddrPort) slog.Value {
		if !addr.IsValid() {
			return slog.StringValue("")
		}
		return slog.StringValue(addr.String())
	}),
	slogformatter.FormatByType(func(d time.Duration) slog.Value {
		return slog.StringValue(d.String())
	}),
)

// Def is a default logger.
var Def = slog.New(newHandler(
	console.NewHandler(os.Stdout, &console.HandlerOptions{
		AddSource:  true,
		Level:      slog.LevelDebug,
		TimeFormat: time.RFC3339Nano,
	}),
))

// Dev is a developer logger.
var Dev = slog.New(newHandler(
	devslog.NewHandler(os.Stdout, &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{
			AddSource: true,
			Level:     slog.LevelDebug,
		},
		SortKeys:   true,
		TimeFormat: time.RFC3339Nano,
	}),
))

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

// Noop is a noop logger.
var Noop = slog.New(noopHandler{})

var defLog atomic.Pointer[slog.Logger]

func init() {
	defLog.Store(Noop)
}

// Default returns the process wide logger used by components created without an explicit logger.
// It is [Noop] until replaced with [SetDefault].
func Default() *slog.Logger { return defLog.Load() }

// SetDefault replaces the process wide logger. Nil resets it to [Noop].
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = Noop
	}
	defLog.Store(l)
}
