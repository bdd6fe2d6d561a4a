// Package main is the custodia-admin CLI: registry migrations, tenant and
// license administration, and audit chain verification.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"runtime"

	"github.com/custodia-cl/custodia/internal/config"
	"github.com/custodia-cl/custodia/internal/crypto"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags override values from the config file.
type globalFlags struct {
	configPath      string
	databaseURL     string
	encryptionKey   string
	partitionDriver string
	partitionDSN    string
	partitionDir    string
	verbose         bool
}

// load reads the config file and applies flag and environment overrides.
func (g *globalFlags) load() (*config.AdminConfig, error) {
	path := g.configPath
	if path == "" {
		p, err := config.DefaultAdminConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := config.LoadAdmin(path)
	if err != nil {
		return nil, err
	}

	override := func(dst *string, flag, env string) {
		switch {
		case flag != "":
			*dst = flag
		case *dst == "" && env != "":
			*dst = os.Getenv(env)
		}
	}
	override(&cfg.DatabaseURL, g.databaseURL, "CUSTODIA_DATABASE_URL")
	override(&cfg.EncryptionKey, g.encryptionKey, "CUSTODIA_ENCRYPTION_KEY")
	override(&cfg.PartitionDriver, g.partitionDriver, "CUSTODIA_PARTITION_DRIVER")
	override(&cfg.PartitionDSN, g.partitionDSN, "CUSTODIA_PARTITION_DSN")
	override(&cfg.PartitionDir, g.partitionDir, "CUSTODIA_PARTITION_DIR")
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "custodia-admin",
		Short: "Administer a Custodia deployment",
		Long: `custodia-admin talks directly to the master registry and the tenant
partitions. Connection settings come from ~/.custodia/admin.yml, the
CUSTODIA_* environment variables, or the flags below, in reverse order
of precedence.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (default ~/.custodia/admin.yml)")
	pf.StringVar(&g.databaseURL, "db", "", "master registry database URL")
	pf.StringVar(&g.encryptionKey, "key", "", "hex-encoded master key")
	pf.StringVar(&g.partitionDriver, "partition-driver", "", "tenant partition driver (postgres or sqlite)")
	pf.StringVar(&g.partitionDSN, "partition-dsn", "", "tenant partition DSN (postgres driver)")
	pf.StringVar(&g.partitionDir, "partition-dir", "", "tenant partition directory (sqlite driver)")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "log at debug level")

	rootCmd.AddCommand(
		newVersionCmd(),
		newKeygenCmd(),
		newConfigCmd(g),
		newMigrateCmd(g),
		newTenantCmd(g),
		newLicenseCmd(g),
		newLedgerCmd(g),
		newAnchorCmd(g),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "custodia-admin %s\n", Version)
			fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			fmt.Fprintf(out, "  Built:      %s\n", BuildDate)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		},
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new master key",
		Long: `Generate a random 32-byte master key, printed hex-encoded.

The key signs license codes and must be identical on every server and
admin host. Losing it invalidates every issued license code.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateMasterKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))
			return nil
		},
	}
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the admin configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the current settings to the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			path := g.configPath
			if path == "" {
				if path, err = config.DefaultAdminConfigPath(); err != nil {
					return err
				}
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			driver, dsn := cfg.Partitions()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Database:         %s\n", redactURL(cfg.DatabaseURL))
			fmt.Fprintf(out, "Encryption key:   %s\n", setOrNot(cfg.EncryptionKey))
			fmt.Fprintf(out, "Partition driver: %s\n", driver)
			if driver == config.PartitionDriverSQLite {
				fmt.Fprintf(out, "Partition dir:    %s\n", cfg.PartitionDir)
			} else {
				fmt.Fprintf(out, "Partition DSN:    %s\n", redactURL(dsn))
			}
			return nil
		},
	})

	return cmd
}

func setOrNot(v string) string {
	if v == "" {
		return "(not set)"
	}
	return "(set)"
}
