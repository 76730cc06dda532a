package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/mtx/internal/daemon"
	"github.com/matheus3301/mtx/internal/session"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName, err := session.ResolveValid(*sessionFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: logger.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
		daemon.Module(daemon.Params{SessionName: sessionName}),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app.Run()
}
