package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/exploopio/judge/pkg/backend"
	"github.com/exploopio/judge/pkg/core"
	"github.com/exploopio/judge/pkg/proof"
)

var verifyFlags struct {
	auditor string
	json    bool
}

var verifyCmd = &cobra.Command{
	Use:   "verify <audit-id>...",
	Short: "Verify proofs against the configured proof backend",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verifier, closeFn, err := openVerifier()
		if err != nil {
			return err
		}
		defer closeFn()

		var results []proof.Result
		if len(args) == 1 {
			results = []proof.Result{verifier.Verify(cmd.Context(), args[0], verifyFlags.auditor)}
		} else {
			results = verifier.BatchVerify(cmd.Context(), args, verifyFlags.auditor)
		}

		out := cmd.OutOrStdout()
		if verifyFlags.json {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
		} else {
			printResults(out, results)
		}

		invalid := 0
		for _, r := range results {
			if !r.IsValid {
				invalid++
			}
		}
		if invalid > 0 {
			return fmt.Errorf("%d of %d proofs failed verification", invalid, len(results))
		}
		return nil
	},
}

var exportFlags struct {
	format string
}

var exportCmd = &cobra.Command{
	Use:   "export <audit-id>",
	Short: "Export a verified proof for third-party verification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := proof.ParseFormat(exportFlags.format)
		if err != nil {
			return err
		}
		verifier, closeFn, err := openVerifier()
		if err != nil {
			return err
		}
		defer closeFn()

		res := verifier.Verify(cmd.Context(), args[0], "")
		if !res.IsValid {
			return fmt.Errorf("proof %s: %s", core.ShortID(args[0]), res.Error)
		}
		data, err := proof.Export(res.ProofData, format)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), data)
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFlags.auditor, "auditor", "", "Require proofs to belong to this auditor")
	verifyCmd.Flags().BoolVar(&verifyFlags.json, "json", false, "Print results as JSON")
	exportCmd.Flags().StringVarP(&exportFlags.format, "format", "f", string(proof.FormatJSON), "Export format: json|hex|zstd")
}

// openVerifier builds a verifier over the configured proof sources only. It
// opens no ledger and pays nothing.
func openVerifier() (*proof.Verifier, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	sources, err := buildSources(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	client := backend.NewClient(backend.ClientConfig{Logger: logger}, sources...)

	vc := cfg.VerifierConfig()
	vc.Logger = logger
	closeFn := func() {
		_ = client.Close()
		_ = logger.Sync()
	}
	return proof.NewVerifier(client, vc), closeFn, nil
}

func printResults(w io.Writer, results []proof.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AUDIT ID\tRESULT\tHIGH\tAUDITOR\tDETAIL")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n", core.ShortID(r.AuditID), r.Reason(), r.IsHighSeverity, r.AuditorID, r.Error)
	}
	_ = tw.Flush()
}
