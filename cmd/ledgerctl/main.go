package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/ledgergate/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

const defaultGateway = "http://localhost:8080"

// cli carries the persistent flag values shared by every subcommand.
type cli struct {
	gatewayURL string
	cfgFile    string
	codec      string
	format     string
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &cli{}
	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "ledgergate CLI",
		Long: `ledgerctl is the command-line interface for a ledgergate gateway.

It creates ledgers, appends entries to ledgers the gateway owns, and reads
entries back in UTF-8 or hex form.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.loadConfig()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.cfgFile, "config", "", "config file (default ~/.ledgerctl/config.yaml)")
	pf.StringVar(&o.gatewayURL, "gateway", "", "gateway base URL (default "+defaultGateway+")")
	pf.StringVar(&o.codec, "codec", "", "entry content codec: utf8 or hex")
	pf.StringVar(&o.format, "format", "text", "output format: text or json")
	pf.DurationVar(&o.timeout, "timeout", 10*time.Second, "per-request timeout")

	root.AddCommand(
		o.createCmd(),
		o.listCmd(),
		o.ownedCmd(),
		o.deleteCmd(),
		o.appendCmd(),
		o.entriesCmd(),
		o.entryCmd(),
		o.lacCmd(),
		o.lastCmd(),
		versionCmd(),
	)
	return root
}

// loadConfig fills unset flags from the config file and LEDGERCTL_* env vars.
func (o *cli) loadConfig() error {
	v := viper.New()
	if o.cfgFile != "" {
		v.SetConfigFile(o.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".ledgerctl"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("LEDGERCTL")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil && o.cfgFile != "" {
		return fmt.Errorf("read config: %w", err)
	}

	if o.gatewayURL == "" {
		o.gatewayURL = v.GetString("gateway")
	}
	if o.gatewayURL == "" {
		o.gatewayURL = defaultGateway
	}
	if o.codec == "" {
		o.codec = v.GetString("codec")
	}
	if o.format != "text" && o.format != "json" {
		return fmt.Errorf("unknown --format %q (want text or json)", o.format)
	}
	return nil
}

func (o *cli) client() (*client.Client, error) {
	return client.New(o.gatewayURL, client.WithTimeout(o.timeout))
}

// emit prints v as indented JSON under --format json, otherwise runs text.
func (o *cli) emit(w io.Writer, v any, text func() error) error {
	if o.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text()
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be an integer", what, s)
	}
	return id, nil
}

// ── create ───────────────────────────────────────────────────────────────────

func (o *cli) createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a ledger owned by the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			id, err := c.CreateLedger(cmd.Context())
			if err != nil {
				return err
			}
			return o.emit(cmd.OutOrStdout(), map[string]int64{"ledgerId": id}, func() error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), id)
				return err
			})
		},
	}
}

// ── list / owned ─────────────────────────────────────────────────────────────

func (o *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every ledger in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			ids, err := c.ListLedgers(cmd.Context())
			if err != nil {
				return err
			}
			return o.printIDs(cmd.OutOrStdout(), ids)
		},
	}
}

func (o *cli) ownedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "owned",
		Short: "List ledgers the gateway holds writers for",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			ids, err := c.OwnedLedgers(cmd.Context())
			if err != nil {
				return err
			}
			return o.printIDs(cmd.OutOrStdout(), ids)
		},
	}
}

func (o *cli) printIDs(w io.Writer, ids []int64) error {
	if ids == nil {
		ids = []int64{}
	}
	return o.emit(w, ids, func() error {
		for _, id := range ids {
			if _, err := fmt.Fprintln(w, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ── delete ───────────────────────────────────────────────────────────────────

func (o *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id> [id...]",
		Short: "Delete one or more ledgers",
		Long: `Delete removes ledgers from the store. With several ids every deletion is
attempted; failures are reported per id and the command exits non-zero.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, len(args))
			for i, a := range args {
				id, err := parseID(a, "ledger id")
				if err != nil {
					return err
				}
				ids[i] = id
			}
			c, err := o.client()
			if err != nil {
				return err
			}

			if len(ids) == 1 {
				if err := c.DeleteLedger(cmd.Context(), ids[0]); err != nil {
					return err
				}
				return o.emit(cmd.OutOrStdout(), []client.DeleteResult{{LedgerID: ids[0], Deleted: true}}, func() error {
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted ledger %d\n", ids[0])
					return err
				})
			}

			err = c.DeleteLedgers(cmd.Context(), ids)
			results := make([]client.DeleteResult, len(ids))
			for i, id := range ids {
				results[i] = client.DeleteResult{LedgerID: id, Deleted: err == nil}
			}
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && len(apiErr.Results) > 0 {
				results = apiErr.Results
			} else if err != nil {
				return err
			}

			if perr := o.emit(cmd.OutOrStdout(), results, func() error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "LEDGER\tDELETED\tERROR")
				for _, r := range results {
					fmt.Fprintf(w, "%d\t%t\t%s\n", r.LedgerID, r.Deleted, r.Error)
				}
				return w.Flush()
			}); perr != nil {
				return perr
			}
			return err
		},
	}
}

// ── append ───────────────────────────────────────────────────────────────────

func (o *cli) appendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "append <id> <content>",
		Short: "Append an entry to a ledger owned by the gateway",
		Long: `Append writes one entry. With --codec hex the content is decoded from
hexadecimal before it is stored:

  ledgerctl append 7 "hello"
  ledgerctl append --codec hex 7 deadbeef`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "ledger id")
			if err != nil {
				return err
			}
			c, err := o.client()
			if err != nil {
				return err
			}
			res, err := c.AppendEntry(cmd.Context(), id, args[1], o.codec)
			if err != nil {
				return err
			}
			return o.emit(cmd.OutOrStdout(), res, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "ledger %d entry %d\n", res.LedgerID, res.EntryID)
				return err
			})
		},
	}
}

// ── entries / entry / last ───────────────────────────────────────────────────

func (o *cli) entriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entries <id>",
		Short: "Print every entry in a ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "ledger id")
			if err != nil {
				return err
			}
			c, err := o.client()
			if err != nil {
				return err
			}
			entries, err := c.ListEntries(cmd.Context(), id, o.codec)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []client.Entry{}
			}
			return o.emit(cmd.OutOrStdout(), entries, func() error {
				return printEntries(cmd.OutOrStdout(), entries)
			})
		},
	}
}

func (o *cli) entryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entry <id> <entryId>",
		Short: "Print one entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "ledger id")
			if err != nil {
				return err
			}
			entryID, err := parseID(args[1], "entry id")
			if err != nil {
				return err
			}
			c, err := o.client()
			if err != nil {
				return err
			}
			e, err := c.GetEntry(cmd.Context(), id, entryID, o.codec)
			if err != nil {
				return err
			}
			return o.emit(cmd.OutOrStdout(), e, func() error {
				return printEntry(cmd.OutOrStdout(), e)
			})
		},
	}
}

func (o *cli) lastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "last <id>",
		Short: "Print the last confirmed entry of a ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "ledger id")
			if err != nil {
				return err
			}
			c, err := o.client()
			if err != nil {
				return err
			}
			e, err := c.GetLastEntry(cmd.Context(), id, o.codec)
			if err != nil {
				return err
			}
			return o.emit(cmd.OutOrStdout(), e, func() error {
				return printEntry(cmd.OutOrStdout(), e)
			})
		},
	}
}

func printEntries(w io.Writer, entries []client.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTRY\tLENGTH\tCONTENT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%d\t%s\n", e.EntryID, e.Length, e.Content)
	}
	return tw.Flush()
}

func printEntry(w io.Writer, e *client.Entry) error {
	if e.IsEmpty() {
		_, err := fmt.Fprintln(w, "(no entry)")
		return err
	}
	_, err := fmt.Fprintf(w, "Ledger:   %d\nEntry:    %d\nLength:   %d\nContent:  %s\n",
		e.LedgerID, e.EntryID, e.Length, e.Content)
	return err
}

// ── lac ──────────────────────────────────────────────────────────────────────

func (o *cli) lacCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lac <id>",
		Short: "Print a ledger's last add confirmed (-1 when empty)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "ledger id")
			if err != nil {
				return err
			}
			c, err := o.client()
			if err != nil {
				return err
			}
			lac, err := c.GetLastAddConfirmed(cmd.Context(), id)
			if err != nil {
				return err
			}
			return o.emit(cmd.OutOrStdout(), map[string]int64{"ledgerId": id, "lastAddConfirmed": lac}, func() error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), lac)
				return err
			})
		},
	}
}

// ── version ──────────────────────────────────────────────────────────────────

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ledgerctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ledgerctl %s\n", version)
		},
	}
}
