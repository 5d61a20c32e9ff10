package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/foodorder/internal/storage/postgres"
)

type fakeMigrator struct {
	state postgres.MigrationState
	err   error
	calls []string
}

func (f *fakeMigrator) Up(_ context.Context, steps int) (postgres.MigrationState, error) {
	f.calls = append(f.calls, "up:"+strconv.Itoa(steps))
	return f.state, f.err
}

func (f *fakeMigrator) Down(_ context.Context, steps int) (postgres.MigrationState, error) {
	f.calls = append(f.calls, "down:"+strconv.Itoa(steps))
	return f.state, f.err
}

func (f *fakeMigrator) State(context.Context) (postgres.MigrationState, error) {
	f.calls = append(f.calls, "state")
	return f.state, f.err
}

func parse(args []string, env map[string]string) (config, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return readConfig(fs, args, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
}

func TestReadConfig(t *testing.T) {
	cfg, err := parse([]string{"-direction", " DOWN ", "-steps", "2", "-timeout", "5s"},
		map[string]string{"FOODORDER_POSTGRES_DSN": " postgres://env "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.command != commandDown || cfg.steps != 2 || cfg.timeout != 5*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.dsn != "postgres://env" {
		t.Fatalf("dsn must fall back to env, got %q", cfg.dsn)
	}

	cfg, err = parse([]string{"-dsn", "postgres://flag"}, map[string]string{"FOODORDER_POSTGRES_DSN": "postgres://env"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.dsn != "postgres://flag" || cfg.command != commandUp || cfg.timeout != defaultTimeout {
		t.Fatalf("flag dsn must win and defaults apply: %+v", cfg)
	}
}

func TestReadConfig_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"no dsn", nil, "FOODORDER_POSTGRES_DSN"},
		{"bad direction", []string{"-dsn=x", "-direction=sideways"}, "unsupported direction"},
		{"negative steps", []string{"-dsn=x", "-steps=-1"}, "steps must be"},
		{"zero timeout", []string{"-dsn=x", "-timeout=0s"}, "timeout must be"},
		{"unknown flag", []string{"-force"}, "flag provided but not defined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(tt.args, nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestExecute(t *testing.T) {
	state := postgres.MigrationState{Version: 2, Applied: 2, Pending: []string{"0003_outbox_delivery"}}

	tests := []struct {
		cmd      command
		steps    int
		wantCall string
		wantOut  string
	}{
		{commandUp, 0, "up:0", "migrate up ok: version=2 applied=2 pending=1\n"},
		{commandDown, 1, "down:1", "migrate down ok: version=2 applied=2 pending=1\n"},
		{commandStatus, 0, "state", "migrate status ok: version=2 applied=2 pending=1\n  pending: 0003_outbox_delivery\n"},
	}
	for _, tt := range tests {
		t.Run(string(tt.cmd), func(t *testing.T) {
			m := &fakeMigrator{state: state}
			var out bytes.Buffer
			if err := execute(context.Background(), config{command: tt.cmd, steps: tt.steps}, m, &out); err != nil {
				t.Fatalf("execute: %v", err)
			}
			if len(m.calls) != 1 || m.calls[0] != tt.wantCall {
				t.Fatalf("unexpected migrator calls: %v", m.calls)
			}
			if out.String() != tt.wantOut {
				t.Fatalf("unexpected output:\n%s", out.String())
			}
		})
	}
}

func TestExecute_PropagatesMigratorError(t *testing.T) {
	boom := errors.New("advisory lock timeout")
	m := &fakeMigrator{err: boom}
	var out bytes.Buffer

	if err := execute(context.Background(), config{command: commandUp}, m, &out); !errors.Is(err, boom) {
		t.Fatalf("expected migrator error, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("nothing must be printed on failure, got %q", out.String())
	}
	if err := execute(context.Background(), config{command: "noop"}, m, &out); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestFailExits(t *testing.T) {
	if os.Getenv("MIGRATE_TEST_FAIL_EXIT") == "1" {
		fail("forced failure %d", 42)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "MIGRATE_TEST_FAIL_EXIT=1")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
	if !strings.Contains(stderr.String(), "forced failure 42") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}
