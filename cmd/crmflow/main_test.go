package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/spf13/viper"

	"crmflow/internal/app"
)

func TestRuntimeOptionsShareLogger(t *testing.T) {
	viper.Set("workspace", t.TempDir())
	t.Cleanup(viper.Reset)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := runtimeOptions(false, log)
	if opts.Logger != log {
		t.Fatalf("expected the caller's logger in runtime options")
	}
	rt, err := app.Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.Engine.Log != log {
		t.Fatalf("engine logger differs from the server logger")
	}
}
