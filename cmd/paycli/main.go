package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Interrupt leaves an in-flight transaction pending; the next run reconciles it
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Getenv, os.Getwd, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(
	ctx context.Context,
	getenv func(string) string,
	getwd func() (string, error),
	args []string,
	stdin io.Reader,
	stdout, stderr io.Writer,
) error {
	c := NewConfig()

	if err := c.LoadDotEnv(getwd); err != nil {
		return fmt.Errorf("can't load .env: %w", err)
	}
	if err := c.LoadEnv(getenv); err != nil {
		return err
	}
	command, err := c.ParseFlags(args)
	if err != nil {
		return err
	}
	if len(command) == 0 {
		return errUsage
	}

	app, err := NewApp(c, stdin, stdout, stderr)
	if err != nil {
		return err
	}
	defer app.Close() // nolint:errcheck

	return app.Exec(ctx, command)
}
