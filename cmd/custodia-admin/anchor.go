package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/custodia-cl/custodia/internal/anchor"
	"github.com/spf13/cobra"
)

type anchorFlags struct {
	cfg anchor.S3Config
}

func (f *anchorFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.cfg.Bucket, "bucket", os.Getenv("CUSTODIA_ANCHOR_BUCKET"), "checkpoint bucket")
	pf.StringVar(&f.cfg.Prefix, "prefix", envOr("CUSTODIA_ANCHOR_PREFIX", "custodia/anchors"), "object key prefix")
	pf.StringVar(&f.cfg.Region, "region", os.Getenv("CUSTODIA_ANCHOR_REGION"), "bucket region")
	pf.StringVar(&f.cfg.Endpoint, "endpoint", os.Getenv("CUSTODIA_ANCHOR_ENDPOINT"), "S3-compatible endpoint (empty for AWS)")
	pf.BoolVar(&f.cfg.UseSSL, "ssl", true, "use HTTPS for a custom endpoint")
	f.cfg.AccessKeyID = os.Getenv("CUSTODIA_ANCHOR_KEY_ID")
	f.cfg.SecretAccessKey = os.Getenv("CUSTODIA_ANCHOR_SECRET")
}

func (f *anchorFlags) publisher(ctx context.Context, a *app) (*anchor.Publisher, error) {
	client, err := anchor.NewS3Client(ctx, f.cfg)
	if err != nil {
		return nil, err
	}
	return anchor.NewPublisher(client, f.cfg.Bucket, f.cfg.Prefix, a.ledger, a.registry, nil, a.logger), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newAnchorCmd(g *globalFlags) *cobra.Command {
	f := &anchorFlags{}

	cmd := &cobra.Command{
		Use:   "anchor",
		Short: "Publish and check external audit chain checkpoints",
		Long: `Chain heads are written to an S3-compatible bucket so a rewritten
chain can be detected even by someone holding the database. Static
credentials are read from CUSTODIA_ANCHOR_KEY_ID and
CUSTODIA_ANCHOR_SECRET, otherwise the default AWS chain is used.`,
	}
	f.register(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "publish [tenant]",
		Short: "Anchor one tenant, or every active tenant",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				p, err := f.publisher(ctx, a)
				if err != nil {
					return err
				}
				if len(args) == 0 {
					n, err := p.PublishAll(ctx)
					fmt.Fprintf(cmd.OutOrStdout(), "%d checkpoints written\n", n)
					return err
				}
				cp, err := p.Publish(ctx, args[0])
				if err != nil {
					return err
				}
				if cp == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "Audit chain is empty, nothing to anchor")
					return nil
				}
				return printJSON(cmd.OutOrStdout(), cp)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check <tenant>",
		Short: "Compare the latest checkpoint with the current chain head",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				p, err := f.publisher(ctx, a)
				if err != nil {
					return err
				}
				cp, err := p.Latest(ctx, args[0])
				if errors.Is(err, anchor.ErrNoCheckpoint) {
					fmt.Fprintln(cmd.OutOrStdout(), "No checkpoint published yet")
					return nil
				}
				if err != nil {
					return err
				}
				head, err := a.ledger.Head(ctx, args[0])
				if err != nil {
					return err
				}
				switch {
				case head == nil || head.Seq < cp.Seq:
					return fmt.Errorf("chain is shorter than checkpoint %d: records were removed", cp.Seq)
				case head.Seq == cp.Seq && head.ThisHash != cp.ThisHash:
					return fmt.Errorf("head record %d does not match its checkpoint: chain was rewritten", cp.Seq)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint %d consistent with head %d (anchored %s)\n",
					cp.Seq, head.Seq, cp.AnchoredAt.Format("2006-01-02 15:04:05 MST"))
				if head.Seq > cp.Seq {
					fmt.Fprintln(cmd.OutOrStdout(), "Run 'custodia-admin ledger verify' to check the records since.")
				}
				return nil
			})
		},
	})

	return cmd
}
