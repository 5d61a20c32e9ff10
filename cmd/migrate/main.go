// Команда migrate применяет, откатывает и показывает миграции схемы
// PostgreSQL, в которой order-service хранит заказы и outbox.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorder/internal/storage/postgres"
	"github.com/vladislavdragonenkov/foodorder/internal/version"
)

const defaultTimeout = 30 * time.Second

type command string

const (
	commandUp     command = "up"
	commandDown   command = "down"
	commandStatus command = "status"
)

type config struct {
	command command
	steps   int
	dsn     string
	timeout time.Duration
}

// schemaMigrator — операции postgres.Migrator, которыми пользуется команда.
type schemaMigrator interface {
	Up(ctx context.Context, steps int) (postgres.MigrationState, error)
	Down(ctx context.Context, steps int) (postgres.MigrationState, error)
	State(ctx context.Context) (postgres.MigrationState, error)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := readConfig(flag.CommandLine, os.Args[1:], os.LookupEnv)
	if err != nil {
		fail("%v", err)
	}
	log.WithFields(version.Current().LogFields()).WithField("command", cfg.command).Debug("migrate started")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	store, err := postgres.Open(ctx, postgres.Config{DSN: cfg.dsn, MaxOpenConns: 2})
	if err != nil {
		fail("open postgres store: %v", err)
	}
	defer store.Close()

	if err := execute(ctx, cfg, store.Migrator(), os.Stdout); err != nil {
		fail("migrate %s failed: %v", cfg.command, err)
	}
}

func readConfig(fs *flag.FlagSet, args []string, lookup func(string) (string, bool)) (config, error) {
	var (
		direction string
		cfg       config
	)
	fs.StringVar(&direction, "direction", string(commandUp), "up|down|status")
	fs.IntVar(&cfg.steps, "steps", 0, "migrations to apply or roll back (up: 0 = all, down: 0 = 1)")
	fs.StringVar(&cfg.dsn, "dsn", "", "PostgreSQL DSN (fallback: FOODORDER_POSTGRES_DSN)")
	fs.DurationVar(&cfg.timeout, "timeout", defaultTimeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.dsn = strings.TrimSpace(cfg.dsn)
	if cfg.dsn == "" {
		env, _ := lookup("FOODORDER_POSTGRES_DSN")
		cfg.dsn = strings.TrimSpace(env)
	}
	cfg.command = command(strings.ToLower(strings.TrimSpace(direction)))

	switch {
	case cfg.dsn == "":
		return config{}, errors.New("FOODORDER_POSTGRES_DSN (or -dsn) is required")
	case cfg.command != commandUp && cfg.command != commandDown && cfg.command != commandStatus:
		return config{}, fmt.Errorf("unsupported direction %q (use up|down|status)", direction)
	case cfg.steps < 0:
		return config{}, errors.New("steps must be >= 0")
	case cfg.timeout <= 0:
		return config{}, errors.New("timeout must be > 0")
	}
	return cfg, nil
}

func execute(ctx context.Context, cfg config, m schemaMigrator, out io.Writer) error {
	var (
		state postgres.MigrationState
		err   error
	)
	switch cfg.command {
	case commandUp:
		state, err = m.Up(ctx, cfg.steps)
	case commandDown:
		state, err = m.Down(ctx, cfg.steps)
	case commandStatus:
		state, err = m.State(ctx)
	default:
		return fmt.Errorf("unsupported command %q", cfg.command)
	}
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "migrate %s ok: version=%d applied=%d pending=%d\n",
		cfg.command, state.Version, state.Applied, len(state.Pending))
	if err != nil {
		return err
	}
	if cfg.command == commandStatus {
		for _, name := range state.Pending {
			if _, err := fmt.Fprintf(out, "  pending: %s\n", name); err != nil {
				return err
			}
		}
	}
	return nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
