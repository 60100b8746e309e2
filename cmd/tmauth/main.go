// Command tmauth drives the tmauth Client from a terminal.
//
// Sessions only survive between invocations when --redis-addr (or
// TMAUTH_REDIS_ADDR) points at a Redis server; the same holds for the PKCE
// verifier that `reset --code` needs from an earlier `forgot`.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "tmauth",
		Short:         "Account and session workflows against the configured identity provider",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML config file (environment still overrides it)")
	flags.StringVar(&a.redisAddr, "redis-addr", os.Getenv("TMAUTH_REDIS_ADDR"), "Redis address for persistent sessions and throttling")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		signUpCmd(a),
		signInCmd(a),
		otpCmd(a),
		forgotCmd(a),
		resetCmd(a),
		changePasswordCmd(a),
		whoamiCmd(a),
		signOutCmd(a),
		watchCmd(a),
	)
	return root
}
