package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/indrasol/tmauth"
	promexport "github.com/indrasol/tmauth/metrics/export/prometheus"
	"github.com/spf13/cobra"
)

func signUpCmd(a *app) *cobra.Command {
	var email, password, username string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and queue its profile record",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, _ []string, client *tmauth.Client) error {
			res, err := client.SignUp(cmd.Context(), email, password, username)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res.Message())
			fmt.Fprintf(out, "user:    %s\n", res.User.ID)
			if res.ProfileTaskID != "" {
				fmt.Fprintf(out, "profile: queued as %s\n", res.ProfileTaskID)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().StringVar(&username, "username", "", "public username")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func signInCmd(a *app) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "signin <email-or-username>",
		Short: "Sign in with a password",
		Args:  cobra.ExactArgs(1),
		RunE: a.withClient(func(cmd *cobra.Command, args []string, client *tmauth.Client) error {
			return awaitIdentity(cmd, client, func(ctx context.Context) error {
				return client.SignIn(ctx, args[0], password)
			})
		}),
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func otpCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "otp",
		Short: "One-time code sign-in",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "send <email-or-username>",
			Short: "Email a one-time code",
			Args:  cobra.ExactArgs(1),
			RunE: a.withClient(func(cmd *cobra.Command, args []string, client *tmauth.Client) error {
				if err := client.SignInWithOTP(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "code sent")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "verify <email-or-username> <code>",
			Short: "Sign in with a one-time code",
			Args:  cobra.ExactArgs(2),
			RunE: a.withClient(func(cmd *cobra.Command, args []string, client *tmauth.Client) error {
				return awaitIdentity(cmd, client, func(ctx context.Context) error {
					return client.VerifyOTP(ctx, args[0], args[1])
				})
			}),
		},
	)
	return cmd
}

func forgotCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "forgot <email-or-username>",
		Short: "Send a password recovery email",
		Args:  cobra.ExactArgs(1),
		RunE: a.withClient(func(cmd *cobra.Command, args []string, client *tmauth.Client) error {
			redirect, err := client.ForgotPassword(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "recovery email sent")
			if redirect != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "redirect: %s\n", redirect)
			}
			return nil
		}),
	}
}

func resetCmd(a *app) *cobra.Command {
	var email, otp, code, password string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Set a new password from a recovery code or email-link code",
		Long: `Completes a password reset started with "forgot".

With --email and --otp the recovery code from the email is verified and the
session stays signed in. With --code the email-link code is exchanged, the
password updated, and the session signed out.`,
		Args: cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, _ []string, client *tmauth.Client) error {
			ctx := cmd.Context()
			switch {
			case code != "" && otp != "":
				return errors.New("use either --code or --otp, not both")
			case code != "":
				if err := client.ResetPasswordWithToken(ctx, password, code); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "password updated, sign in again")
				return nil
			case otp != "":
				if email == "" {
					return errors.New("--otp needs --email")
				}
				if err := client.ResetPassword(ctx, email, password, otp); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "password updated")
				return printIdentity(cmd, client)
			default:
				return errors.New("one of --code or --otp is required")
			}
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "account email (with --otp)")
	cmd.Flags().StringVar(&otp, "otp", "", "recovery code from the email")
	cmd.Flags().StringVar(&code, "code", "", "code from the recovery link")
	cmd.Flags().StringVar(&password, "password", "", "new password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func changePasswordCmd(a *app) *cobra.Command {
	var current, next string
	cmd := &cobra.Command{
		Use:   "change-password",
		Short: "Change the signed-in user's password",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, _ []string, client *tmauth.Client) error {
			if err := client.ChangePassword(cmd.Context(), current, next); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "password changed")
			return nil
		}),
	}
	cmd.Flags().StringVar(&current, "current", "", "current password")
	cmd.Flags().StringVar(&next, "new", "", "new password")
	_ = cmd.MarkFlagRequired("current")
	_ = cmd.MarkFlagRequired("new")
	return cmd
}

func whoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the restored session",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, _ []string, client *tmauth.Client) error {
			return printIdentity(cmd, client)
		}),
	}
}

func signOutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Sign out and clear the stored session",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, _ []string, client *tmauth.Client) error {
			err := client.SignOut(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return err
		}),
	}
}

func watchCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Log identity changes and serve Prometheus metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, _ []string, client *tmauth.Client) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			unsubscribe := client.OnIdentityChange(func(c tmauth.IdentityChange) {
				switch {
				case c.Current == nil:
					fmt.Fprintln(out, "signed out")
				default:
					fmt.Fprintf(out, "signed in as %s <%s>\n", c.Current.ID, c.Current.Email)
				}
			})
			defer unsubscribe()

			if listen == "" {
				<-ctx.Done()
				return nil
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promexport.NewExporter(client).Handler())
			srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			a.logger.WithField("addr", listen).Info("serving metrics")

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		}),
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address for /metrics, e.g. :9464")
	return cmd
}

// identityWait bounds how long a command waits for the listener to apply the
// session a workflow produced.
const identityWait = 2 * time.Second

// awaitIdentity runs op and prints the user once the listener has applied the
// resulting session. Workflows return before that happens.
func awaitIdentity(cmd *cobra.Command, client *tmauth.Client, op func(context.Context) error) error {
	ctx := cmd.Context()
	seen := make(chan struct{}, 1)
	unsubscribe := client.OnIdentityChange(func(c tmauth.IdentityChange) {
		if c.Current == nil {
			return
		}
		select {
		case seen <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	if err := op(ctx); err != nil {
		return err
	}
	if client.User() == nil {
		select {
		case <-seen:
		case <-time.After(identityWait):
		case <-ctx.Done():
		}
	}
	return printIdentity(cmd, client)
}

func printIdentity(cmd *cobra.Command, client *tmauth.Client) error {
	out := cmd.OutOrStdout()
	sess := client.Session()
	if sess == nil {
		fmt.Fprintln(out, "not signed in")
		return nil
	}
	fmt.Fprintf(out, "user:     %s\n", sess.User.ID)
	fmt.Fprintf(out, "email:    %s\n", sess.User.Email)
	if sess.User.Username != "" {
		fmt.Fprintf(out, "username: %s\n", sess.User.Username)
	}
	if !sess.ExpiresAt.IsZero() {
		fmt.Fprintf(out, "expires:  %s\n", sess.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
