// Command classgate runs the classroom messaging gateway.
//
// Usage:
//
//	classgate [--config path] [--env-file path]
//	classgate token --subject s-201 --name Alice --role student [--ttl 2h]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"classgate/internal/app"
	"classgate/internal/config"
	"classgate/internal/identity"
	"classgate/internal/logger"
	"classgate/pkg/types"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code, err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "classgate: %v\n", err)
	}
	os.Exit(code)
}

// run dispatches to the serve or token command and returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) (int, error) {
	if len(args) > 0 && args[0] == "token" {
		return runToken(args[1:], stdout, stderr)
	}
	return runServe(ctx, args, stderr)
}

type commonFlags struct {
	configPath string
	envFiles   []string
}

func (c *commonFlags) add(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", os.Getenv("CLASSGATE_CONFIG_FILE"), "path to a JSON config file (overrides environment)")
	fs.StringSliceVar(&c.envFiles, "env-file", []string{".env"}, "dotenv files loaded before reading the environment")
}

func (c *commonFlags) load() (*config.Config, error) {
	if err := config.LoadDotEnv(c.envFiles...); err != nil {
		return nil, err
	}
	return config.LoadConfigWithPrecedence(c.configPath)
}

func runServe(ctx context.Context, args []string, stderr io.Writer) (int, error) {
	var common commonFlags
	fs := pflag.NewFlagSet("classgate", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	common.add(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK, nil
		}
		return exitConfig, err
	}
	if fs.NArg() > 0 {
		return exitConfig, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg, err := common.load()
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return exitConfig, err
	}
	log := logger.SetupDefault(os.Stdout, level, cfg.Log.Format)

	application, err := app.NewApplication(cfg, log)
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to create application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return exitRuntime, err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err, ok := <-application.Errors():
		if ok {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return exitRuntime, fmt.Errorf("shutdown failed: %w", err)
	}
	if serveErr != nil {
		return exitRuntime, serveErr
	}
	return exitOK, nil
}

// runToken mints a development token signed with the configured secret.
func runToken(args []string, stdout, stderr io.Writer) (int, error) {
	var (
		common  commonFlags
		subject string
		name    string
		role    string
		ttl     time.Duration
	)
	fs := pflag.NewFlagSet("classgate token", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	common.add(fs)
	fs.StringVar(&subject, "subject", "", "subject id of the user (required)")
	fs.StringVar(&name, "name", "", "display name")
	fs.StringVar(&role, "role", string(types.RoleStudent), "student or teacher")
	fs.DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK, nil
		}
		return exitConfig, err
	}

	cfg, err := common.load()
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}

	signer, err := identity.NewSigner(cfg.Auth.Secret, cfg.Auth.Issuer, ttl)
	if err != nil {
		return exitConfig, err
	}
	token, err := signer.Sign(types.Identity{SubjectID: subject, DisplayName: name, Role: types.Role(role)})
	if err != nil {
		return exitConfig, fmt.Errorf("cannot sign token: %w", err)
	}

	fmt.Fprintln(stdout, token)
	return exitOK, nil
}
