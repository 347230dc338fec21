package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/manifoldmcp/manifold/internal/model"
	"github.com/manifoldmcp/manifold/internal/store"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, and revoke the per-user API keys that identify callers at the gateway.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		user    string
		label   string
		expires time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key bound to a user. The raw key is shown once and cannot be retrieved again.",
		Example: `  manifold key create --user alice --label "dev laptop"
  manifold key create --user ci-bot --expires 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(user, label, expires)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User the key identifies (required)")
	cmd.Flags().StringVar(&label, "label", "", "Human-readable label for the key")
	cmd.Flags().DurationVar(&expires, "expires", 0, "Key lifetime (0 = never expires)")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runKeyCreate(userID, label string, expires time.Duration) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	// Generate 32 random bytes, hex encode, prefix with "manifold_"
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Errorf("generate random key: %w", err)
	}
	rawKey := "manifold_" + hex.EncodeToString(randomBytes)

	// Use first 17 chars as prefix (manifold_ + 8 hex chars)
	apiKey := &model.APIKey{
		KeyHash:   store.HashAPIKey(rawKey),
		KeyPrefix: rawKey[:17],
		UserID:    userID,
		Label:     label,
		IsActive:  true,
	}
	if expires > 0 {
		t := time.Now().Add(expires)
		apiKey.ExpiresAt = &t
	}

	if err := st.CreateAPIKey(ctx, apiKey); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API Key created:")
	fmt.Println()
	fmt.Printf("  Key:  %s\n", rawKey)
	fmt.Printf("  User: %s\n", userID)
	if label != "" {
		fmt.Printf("  Label: %s\n", label)
	}
	if apiKey.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", apiKey.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	keys, err := st.ListAPIKeys(context.Background())
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	type keyRow struct {
		Prefix  string `json:"prefix"`
		User    string `json:"user"`
		Label   string `json:"label"`
		Active  bool   `json:"active"`
		Expires string `json:"expires,omitempty"`
	}

	rows := make([]keyRow, len(keys))
	for i, k := range keys {
		rows[i] = keyRow{
			Prefix: k.KeyPrefix,
			User:   k.UserID,
			Label:  k.Label,
			Active: k.IsActive,
		}
		if k.ExpiresAt != nil {
			rows[i].Expires = k.ExpiresAt.Format(time.RFC3339)
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No API keys configured. Use 'manifold key create' to create one.")
		return nil
	}

	fmt.Printf("%-20s %-16s %-24s %-8s %s\n", "PREFIX", "USER", "LABEL", "ACTIVE", "EXPIRES")
	fmt.Printf("%-20s %-16s %-24s %-8s %s\n", "------", "----", "-----", "------", "-------")
	for _, k := range rows {
		active := "yes"
		if !k.Active {
			active = "no"
		}
		expires := k.Expires
		if expires == "" {
			expires = "never"
		}
		fmt.Printf("%-20s %-16s %-24s %-8s %s\n", k.Prefix, k.User, k.Label, active, expires)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <prefix>",
		Short: "Revoke an API key by its prefix",
		Long:  "Deactivate an API key, preventing any further authenticated requests using that key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}

	return cmd
}

func runKeyRevoke(prefix string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	keys, err := st.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	// Find the key whose prefix matches
	var matched *model.APIKey
	for i := range keys {
		if strings.HasPrefix(keys[i].KeyPrefix, prefix) {
			matched = &keys[i]
			break
		}
	}
	if matched == nil {
		return fmt.Errorf("no API key found with prefix %q", prefix)
	}

	if err := st.RevokeAPIKeyByPrefix(ctx, matched.KeyPrefix); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked API key with prefix %q\n", matched.KeyPrefix)
	return nil
}
