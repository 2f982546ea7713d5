package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// requireIntegration skips unless RUN_INTEGRATION_TESTS=1. These tests
// build the binary and expect a broker on localhost:1883.
func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_INTEGRATION_TESTS=1 to run service tests against a local broker")
	}
}

// buildBinary compiles the command into dir.
func buildBinary(t *testing.T, dir string) string {
	t.Helper()
	bin := filepath.Join(dir, "rotamesh-it")
	if out, err := exec.Command("go", "build", "-o", bin, ".").CombinedOutput(); err != nil {
		t.Fatalf("go build: %v\n%s", err, out)
	}
	return bin
}

func TestServiceStartup(t *testing.T) {
	requireIntegration(t)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "rotamesh.yaml")
	cfg := "mqtt:\n  broker: \"mqtt://localhost:1883\"\n  publishPrefix: \"rotamesh-it\"\nlogging:\n  level: debug\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	bin := buildBinary(t, dir)

	tests := []struct {
		name     string
		args     []string
		want     []string
		wantFail bool
		runFor   time.Duration
	}{
		{
			name:   "connects with config",
			args:   []string{"serve", "--mqtt", "--cache=", "--config=" + cfgPath},
			want:   []string{"Starting rotamesh service", "Connecting to MQTT broker"},
			runFor: 5 * time.Second,
		},
		{
			name:     "missing config",
			args:     []string{"serve", "--mqtt", "--config=" + filepath.Join(dir, "absent.yaml")},
			want:     []string{"config file not found"},
			wantFail: true,
			runFor:   2 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), tt.runFor)
			defer cancel()

			out, err := exec.CommandContext(ctx, bin, tt.args...).CombinedOutput()
			for _, w := range tt.want {
				if !strings.Contains(string(out), w) {
					t.Errorf("output lacks %q:\n%s", w, out)
				}
			}
			if tt.wantFail && err == nil {
				t.Error("expected a non-zero exit")
			}
		})
	}
}

func TestServiceInterrupt(t *testing.T) {
	requireIntegration(t)

	cmd := exec.Command(buildBinary(t, t.TempDir()), "serve", "--http", "--http-port", "48123", "--cache=")
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting service: %v", err)
	}
	time.Sleep(2 * time.Second)
	_ = cmd.Process.Signal(os.Interrupt)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		if err != nil {
			t.Errorf("service exited with %v after interrupt", err)
		}
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Error("service still running 5s after interrupt")
	}
}
