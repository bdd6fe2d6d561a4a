package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/custodia-cl/custodia/internal/license"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/custodia-cl/custodia/internal/tenancy"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// commandTimeout bounds every command that touches the database.
const commandTimeout = 5 * time.Minute

func newMigrateCmd(g *globalFlags) *cobra.Command {
	var showVersion bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply master registry migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			logger := newLogger(g.verbose)
			cfg, err := g.load()
			if err != nil {
				return err
			}
			database, err := openDB(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer database.Close()

			if !showVersion {
				logger.Info().Msg("running database migrations")
				if err := database.Migrate(ctx); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
			}

			version, err := database.CurrentVersion(ctx)
			if err != nil {
				return fmt.Errorf("get schema version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Current schema version: %d\n", version)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showVersion, "version", false, "only show the current schema version")
	return cmd
}

func newTenantCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(newTenantOnboardCmd(g), newTenantListCmd(g), newTenantStatusCmd(g))
	return cmd
}

func newTenantOnboardCmd(g *globalFlags) *cobra.Command {
	var req tenancy.OnboardRequest

	cmd := &cobra.Command{
		Use:   "onboard <id>",
		Short: "Register a tenant and provision its partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				req.ID = args[0]
				t, err := a.registry.Onboard(ctx, req)
				if err != nil {
					return err
				}
				a.audit(ctx, t.ID, "tenant.onboard", "tenant", t.ID, map[string]any{"plan": t.Plan})
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Name, "name", "", "display name (required)")
	f.StringVar(&req.Plan, "plan", "", "commercial plan")
	f.Int64Var(&req.Limits.MaxUsers, "max-users", 0, "user limit (0 means unlimited)")
	f.Int64Var(&req.Limits.MaxRecords, "max-records", 0, "audit record limit (0 means unlimited)")
	f.Int64Var(&req.Limits.StorageQuotaBytes, "storage-quota", 0, "storage quota in bytes (0 means unlimited)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newTenantListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				tenants, err := a.registry.List(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-32s %-10s %-12s %s\n", "ID", "STATUS", "PLAN", "NAME")
				for _, t := range tenants {
					fmt.Fprintf(out, "%-32s %-10s %-12s %s\n", t.ID, t.Status, t.Plan, t.Name)
				}
				return nil
			})
		},
	}
}

func newTenantStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <pending|active|suspended|expired|cancelled>",
		Short: "Change a tenant's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			next := models.TenantStatus(strings.ToLower(args[1]))
			if !next.IsValid() {
				return fmt.Errorf("invalid status %q", args[1])
			}
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				t, err := a.registry.Transition(ctx, args[0], next)
				if err != nil {
					return err
				}
				a.audit(ctx, t.ID, "tenant.status_change", "tenant", t.ID, map[string]any{"status": string(t.Status)})
				fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s is now %s\n", t.ID, t.Status)
				return nil
			})
		},
	}
}

func newLicenseCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Issue and manage licenses",
	}
	cmd.AddCommand(newLicenseIssueCmd(g), newLicenseListCmd(g), newLicenseRevokeCmd(g), newLicenseExtendCmd(g))
	return cmd
}

func newLicenseIssueCmd(g *globalFlags) *cobra.Command {
	var (
		modules  []string
		months   int
		amount   int64
		currency string
		period   string
	)

	cmd := &cobra.Command{
		Use:   "issue <tenant>",
		Short: "Issue a license code for a tenant",
		Long: `Issue a license code for a tenant.

The code is printed once and only its hash is stored. Hand it to the
tenant, who activates it through the API.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				lic, err := a.licenses.IssueLicense(ctx, licenseIssueRequest(args[0], modules, months, amount, currency, period))
				if err != nil {
					return err
				}
				a.audit(ctx, lic.TenantID, "license.issue", "license", lic.ID.String(), map[string]any{"modules": lic.Modules})
				return printJSON(cmd.OutOrStdout(), lic)
			})
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&modules, "modules", nil, "comma-separated module codes (required)")
	f.IntVar(&months, "months", 12, "license term in months")
	f.Int64Var(&amount, "amount", 0, "price in minor currency units")
	f.StringVar(&currency, "currency", "", "ISO 4217 currency code")
	f.StringVar(&period, "period", "", "billing period")
	_ = cmd.MarkFlagRequired("modules")
	return cmd
}

func newLicenseListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list <tenant>",
		Short: "List a tenant's licenses and module grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				licenses, err := a.licenses.ListLicenses(ctx, args[0])
				if err != nil {
					return err
				}
				grants, err := a.licenses.ListGrants(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"licenses": licenses, "grants": grants})
			})
		},
	}
}

func newLicenseRevokeCmd(g *globalFlags) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "revoke <license-id>",
		Short: "Revoke a license and disable the grants it owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid license ID: %w", err)
			}
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				lic, err := a.licenses.RevokeLicense(ctx, id, reason)
				if err != nil {
					return err
				}
				a.audit(ctx, lic.TenantID, "license.revoke", "license", lic.ID.String(), map[string]any{"reason": reason})
				fmt.Fprintf(cmd.OutOrStdout(), "License %s revoked\n", lic.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "revocation reason (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newLicenseExtendCmd(g *globalFlags) *cobra.Command {
	var months int

	cmd := &cobra.Command{
		Use:   "extend <license-id>",
		Short: "Extend a license term",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid license ID: %w", err)
			}
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				lic, err := a.licenses.ExtendLicense(ctx, id, months)
				if err != nil {
					return err
				}
				a.audit(ctx, lic.TenantID, "license.extend", "license", lic.ID.String(), map[string]any{"months": months})
				fmt.Fprintf(cmd.OutOrStdout(), "License %s now expires %s\n", lic.ID, lic.ExpiresAt.Format(time.RFC3339))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&months, "months", 0, "months to add (required)")
	_ = cmd.MarkFlagRequired("months")
	return cmd
}

func newLedgerCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect tenant audit chains",
	}
	cmd.AddCommand(newLedgerVerifyCmd(g), newLedgerHeadCmd(g))
	return cmd
}

func newLedgerVerifyCmd(g *globalFlags) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "verify <tenant>",
		Short: "Verify the integrity of a tenant's audit chain",
		Long: `Verify the integrity of a tenant's audit chain over a time range.

Exits non-zero unless the range is INTACT.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := parseRange(from, to)
			if err != nil {
				return err
			}
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				result, err := a.ledger.VerifyRange(ctx, args[0], start, end)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if result.Status != models.VerificationIntact {
					return fmt.Errorf("audit chain of %s is %s: %d of %d records corrupted",
						args[0], result.Status, result.CorruptedCount, result.VerifiedCount)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "range start, RFC 3339 (default: beginning of the chain)")
	cmd.Flags().StringVar(&to, "to", "", "range end, RFC 3339 (default: head of the chain)")
	return cmd
}

func newLedgerHeadCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "head <tenant>",
		Short: "Show the latest record of a tenant's audit chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				rec, err := a.ledger.Head(ctx, args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "Audit chain is empty")
					return nil
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func licenseIssueRequest(tenantID string, modules []string, months int, amount int64, currency, period string) license.IssueRequest {
	return license.IssueRequest{
		TenantID:       tenantID,
		Modules:        modules,
		DurationMonths: months,
		Pricing: models.Pricing{
			Amount:   amount,
			Currency: strings.ToUpper(currency),
			Period:   period,
		},
	}
}

// withApp opens the components, runs fn under the command timeout and
// closes everything afterwards.
func withApp(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	a, err := openApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// parseRange parses optional RFC 3339 bounds. Empty bounds stay zero: the
// start and the head of the chain.
func parseRange(from, to string) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if from != "" {
		if start, err = time.Parse(time.RFC3339, from); err != nil {
			return start, end, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if to != "" {
		if end, err = time.Parse(time.RFC3339, to); err != nil {
			return start, end, fmt.Errorf("invalid --to: %w", err)
		}
	}
	if !end.IsZero() && end.Before(start) {
		return start, end, fmt.Errorf("--to is before --from")
	}
	return start.UTC(), end.UTC(), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
