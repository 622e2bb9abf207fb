package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/gommon/log"

	"coursechat/internal/app"
	"coursechat/internal/auth"
	"coursechat/internal/config"
	"coursechat/pkg/types"
)

// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

type options struct {
	configPath string
	mintToken  bool
	subject    string
	role       string
	name       string
	email      string
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("coursechat", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", os.Getenv("COURSECHAT_CONFIG_FILE"), "path to a JSON or YAML config file")
	fs.BoolVar(&opts.mintToken, "mint-token", false, "print a signed bearer token and exit")
	fs.StringVar(&opts.subject, "sub", "", "user id for -mint-token")
	fs.StringVar(&opts.role, "role", string(types.RoleStudent), "role for -mint-token (student or admin)")
	fs.StringVar(&opts.name, "name", "", "display name for -mint-token")
	fs.StringVar(&opts.email, "email", "", "email for -mint-token")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// Separate run function enables testing and error handling
func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	// Precedence: env > file > defaults
	cfg, err := config.LoadConfigWithPrecedence(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if opts.mintToken {
		return mintToken(cfg, opts, stdout)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("application error: %w", err)
	}

	sig := <-signalCh
	log.Infof("received signal %v, shutting down gracefully", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// mintToken signs a token for local testing with the configured secret.
func mintToken(cfg *config.Config, opts *options, stdout io.Writer) error {
	identity := types.Identity{
		ID:    opts.subject,
		Role:  types.Role(opts.role),
		Name:  opts.name,
		Email: opts.email,
	}
	if err := identity.Validate(); err != nil {
		return fmt.Errorf("invalid token identity: %w", err)
	}

	token, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL).Issue(identity)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
