package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/manifoldmcp/manifold/internal/backend"
	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/model"
)

func newBackendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "backend",
		Aliases: []string{"be"},
		Short:   "Manage backend definitions",
		Long:    "Add, list, remove, import, and export the MCP tool servers the gateway multiplexes.",
	}

	cmd.AddCommand(newBackendAddCmd())
	cmd.AddCommand(newBackendListCmd())
	cmd.AddCommand(newBackendRemoveCmd())
	cmd.AddCommand(newBackendImportCmd())
	cmd.AddCommand(newBackendExportCmd())

	return cmd
}

// ---------- backend add ----------

func newBackendAddCmd() *cobra.Command {
	var (
		label    string
		protocol string
		url      string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a backend",
		Example: `  manifold backend add weather --url http://localhost:9010/mcp
  manifold backend add local-tools --protocol loopback`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackendAdd(args[0], label, protocol, url)
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "Human-readable label")
	cmd.Flags().StringVar(&protocol, "protocol", backend.ProtocolStreamableHTTP, "Transport protocol (streamable-http, loopback)")
	cmd.Flags().StringVar(&url, "url", "", "Backend endpoint URL")

	return cmd
}

func runBackendAdd(name, label, protocol, url string) error {
	if protocol == backend.ProtocolStreamableHTTP && url == "" {
		return fmt.Errorf("--url is required for protocol %q", protocol)
	}

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cfg := &model.BackendConfig{
		Name:     name,
		Label:    label,
		Protocol: protocol,
		URL:      url,
		IsActive: true,
	}
	if err := st.CreateBackend(context.Background(), cfg); err != nil {
		return fmt.Errorf("create backend: %w", err)
	}

	fmt.Printf("Added backend %q (%s)\n", name, protocol)
	fmt.Println("Restart the server to pick up the new backend.")
	return nil
}

// ---------- backend list ----------

func newBackendListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackendList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runBackendList(jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	backends, err := st.ListBackends(context.Background())
	if err != nil {
		return fmt.Errorf("list backends: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(backends)
	}

	if len(backends) == 0 {
		fmt.Println("No backends configured. Use 'manifold backend add' to add one.")
		return nil
	}

	fmt.Printf("%-20s %-18s %-40s %-8s\n", "NAME", "PROTOCOL", "URL", "ACTIVE")
	fmt.Printf("%-20s %-18s %-40s %-8s\n", "----", "--------", "---", "------")
	for _, b := range backends {
		active := "yes"
		if !b.IsActive {
			active = "no"
		}
		fmt.Printf("%-20s %-18s %-40s %-8s\n", b.Name, b.Protocol, b.URL, active)
	}

	return nil
}

// ---------- backend remove ----------

func newBackendRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a backend",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackendRemove(args[0])
		},
	}

	return cmd
}

func runBackendRemove(name string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.DeleteBackend(context.Background(), name); err != nil {
		return fmt.Errorf("delete backend: %w", err)
	}

	fmt.Printf("Removed backend %q\n", name)
	return nil
}

// ---------- backend import / export ----------

func newBackendImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import backend definitions from a YAML file",
		Long: `Import backend definitions. Existing backends with the same name are
updated; new ones are created. Environment variables referenced as
${VAR_NAME} in the file are expanded before parsing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackendImport(args[0])
		},
	}

	return cmd
}

func runBackendImport(path string) error {
	defs, err := config.LoadBackendsFile(path)
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	for _, def := range defs {
		if err := upsertBackend(ctx, st, def); err != nil {
			return fmt.Errorf("import backend %q: %w", def.Name, err)
		}
		fmt.Printf("Imported backend %q (%s)\n", def.Name, def.Protocol)
	}

	fmt.Printf("Imported %d backend(s).\n", len(defs))
	return nil
}

func newBackendExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export backend definitions to a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackendExport(args[0])
		},
	}

	return cmd
}

func runBackendExport(path string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	backends, err := st.ListBackends(context.Background())
	if err != nil {
		return fmt.Errorf("list backends: %w", err)
	}

	if err := config.WriteBackendsFile(path, backends); err != nil {
		return fmt.Errorf("write backends file: %w", err)
	}

	fmt.Printf("Exported %d backend(s) to %s\n", len(backends), path)
	return nil
}
