package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/manifoldmcp/manifold/internal/service"
	"github.com/manifoldmcp/manifold/internal/store"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage service tokens",
		Long:  "Issue the signed service tokens that trusted client applications present when opening sessions.",
	}

	cmd.AddCommand(newTokenIssueCmd())

	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new service token",
		Long: `Sign a service token for a client application. The token is one of the two
factors required to initialize a session; callers present it as a Bearer
token alongside their API key.`,
		Example: `  manifold token issue --subject claude-desktop
  manifold token issue --subject ci-runner --ttl 168h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenIssue(subject, ttl)
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Client application name the token identifies (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 720*time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("subject")

	return cmd
}

func runTokenIssue(subject string, ttl time.Duration) error {
	ctx := context.Background()

	secret := viper.GetString("auth.jwt_secret")
	if secret == "" {
		st, err := openStore()
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		secret, err = st.GetSetting(ctx, "jwt_secret")
		st.Close()
		if err == store.ErrNotFound {
			// No persisted secret yet. Ask for one rather than minting a
			// token the server will never accept.
			secret, err = promptSecret()
		}
		if err != nil {
			return fmt.Errorf("load signing secret: %w", err)
		}
	}

	auth := service.NewAuthService(nil, secret)
	token, err := auth.IssueServiceToken(ctx, subject, ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	fmt.Println("Service token issued:")
	fmt.Println()
	fmt.Printf("  Subject: %s\n", subject)
	fmt.Printf("  Expires: %s\n", time.Now().Add(ttl).Format(time.RFC3339))
	fmt.Println()
	fmt.Println(token)
	return nil
}

// promptSecret reads the signing secret from the terminal without echo.
func promptSecret() (string, error) {
	fmt.Print("Signing secret: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", fmt.Errorf("signing secret must not be empty")
	}
	return secret, nil
}
