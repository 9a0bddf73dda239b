package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tmc/archivist"
)

// app carries state shared by every subcommand.
type app struct {
	configPath string
	dir        string
	logLevel   string

	cfg archivist.Config
	log *zap.Logger
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &app{}
	root := a.rootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "archivist: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "archivist",
		Short:         "Local archive store for catalog items",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := archivist.LoadConfig(a.configPath)
			if err != nil {
				return err
			}
			if a.dir != "" {
				cfg.Dir = a.dir
			}
			if a.logLevel != "" {
				cfg.Logging.Level = a.logLevel
			}
			log, err := archivist.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("ARCHIVIST_CONFIG"), "path to YAML config file")
	root.PersistentFlags().StringVar(&a.dir, "dir", "", "archive base directory (overrides config and ARCHIVIST_DIR)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(a.fetchCmd(), a.getCmd(), a.dirCmd(), a.reindexCmd(), a.statusCmd(), a.serveCmd())
	return root
}

func (a *app) open(reg prometheus.Registerer) (*archivist.Archive, error) {
	opts := a.cfg.Options()
	opts.Logger = a.log
	opts.Registerer = reg
	arc, err := archivist.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return arc, nil
}

func parseIDs(args []string) ([]uint32, error) {
	ids := make([]uint32, 0, len(args))
	for _, s := range args {
		id, err := strconv.ParseUint(s, 10, 32)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid id %q", s)
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

func (a *app) fetchCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch archives from the catalog",
	}
	cmd.PersistentFlags().BoolVar(&force, "force", false, "re-download archives that are already stored")

	cmd.AddCommand(&cobra.Command{
		Use:   "id <id> [id...]",
		Short: "Fetch archives by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return a.ingest(cmd.Context(), force, func(cat *archivist.Catalog, _ *archivist.Archive) archivist.Source {
				return &idSource{cat: cat, ids: ids, log: a.log}
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "tag <tag>",
		Short: "Fetch every archive listed under a tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ingest(cmd.Context(), force, func(cat *archivist.Catalog, arc *archivist.Archive) archivist.Source {
				var skip func(uint32) bool
				if !force {
					skip = func(id uint32) bool {
						ok, err := arc.Contains(id)
						return err == nil && ok
					}
				}
				return cat.TagSource(args[0], skip)
			})
		},
	})
	return cmd
}

func (a *app) ingest(ctx context.Context, force bool, source func(*archivist.Catalog, *archivist.Archive) archivist.Source) error {
	cat, err := archivist.NewCatalog(a.cfg.Catalog, a.log)
	if err != nil {
		return fmt.Errorf("%w (set catalog.base_url or ARCHIVIST_BASE_URL)", err)
	}
	arc, err := a.open(nil)
	if err != nil {
		return err
	}
	defer arc.Close()

	src := source(cat, arc)
	report, err := arc.Ingest(ctx, src, &archivist.IngestOptions{
		Force:    force,
		Progress: progressPrinter(),
	})
	if err != nil {
		return err
	}

	if len(report.Added) == 0 {
		fmt.Fprintln(os.Stderr, "Added no new archives")
	} else {
		fmt.Fprintln(os.Stderr, "Added the following new archives:")
		for _, rec := range report.Added {
			fmt.Println(rec.Name)
		}
	}
	if n := len(report.Skipped); n > 0 {
		fmt.Fprintf(os.Stderr, "Skipped %d already downloaded\n", n)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(os.Stderr, "Failed %d (%s) at %s: %v\n", f.ID, f.Name, f.Stage, f.Err)
	}
	if report.Cancelled {
		fmt.Fprintln(os.Stderr, "Interrupted; run again to resume.")
	}

	var fetchFailed int
	if ids, ok := src.(*idSource); ok {
		fetchFailed = ids.failed
	}
	if len(report.Failed) > 0 || fetchFailed > 0 {
		return fmt.Errorf("%d of the requested archives failed", len(report.Failed)+fetchFailed)
	}
	return nil
}

// progressPrinter renders download progress on stderr.
func progressPrinter() func(archivist.Event) {
	return func(ev archivist.Event) {
		switch ev.Stage {
		case archivist.StageDownload:
			if ev.Total > 0 {
				fmt.Fprintf(os.Stderr, "\r%d: %s / %s", ev.ID, humanize.Bytes(uint64(ev.Bytes)), humanize.Bytes(uint64(ev.Total)))
			} else {
				fmt.Fprintf(os.Stderr, "\r%d: %s", ev.ID, humanize.Bytes(uint64(ev.Bytes)))
			}
		case archivist.StageUnpack:
			fmt.Fprintln(os.Stderr)
		}
	}
}

// idSource fetches metadata for a fixed list of ids. Ids whose metadata
// cannot be fetched are logged and counted.
type idSource struct {
	cat    *archivist.Catalog
	ids    []uint32
	log    *zap.Logger
	failed int
}

func (s *idSource) Next(ctx context.Context) (*archivist.Item, error) {
	for len(s.ids) > 0 {
		id := s.ids[0]
		s.ids = s.ids[1:]
		item, err := s.cat.FetchItem(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Error("Failed to fetch archive", zap.Uint32("id", id), zap.Error(err))
			s.failed++
			continue
		}
		return item, nil
	}
	return nil, io.EOF
}

func (a *app) getCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Look up stored archives",
	}
	cmd.PersistentFlags().StringVarP(&output, "output", "o", "pretty", "output as: pretty, name, id, id-path, path, url, json")

	cmd.AddCommand(&cobra.Command{
		Use:   "id <id>",
		Short: "Show a stored archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			arc, err := a.open(nil)
			if err != nil {
				return err
			}
			defer arc.Close()

			rec, err := arc.FetchByID(ids[0])
			if errors.Is(err, archivist.ErrNotFound) {
				fmt.Fprintln(os.Stderr, "Nothing found :(")
				return nil
			}
			if err != nil {
				return err
			}
			return printRecords(arc, output, []*archivist.Record{rec})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "tag <tag> [tag...]",
		Short: "List archives carrying every given tag",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arc, err := a.open(nil)
			if err != nil {
				return err
			}
			defer arc.Close()

			recs, err := arc.WithAllTags(cmd.Context(), args)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(os.Stderr, "Nothing found :(")
				for _, tag := range args {
					if s, err := arc.SuggestTags(cmd.Context(), tag, 5); err == nil && len(s) > 0 && !containsFold(s, tag) {
						fmt.Fprintf(os.Stderr, "  %q: did you mean %s?\n", tag, strings.Join(s, ", "))
					}
				}
				return nil
			}
			return printRecords(arc, output, recs)
		},
	})

	var fields []string
	var limit int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over name, creator, parody and tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arc, err := a.open(nil)
			if err != nil {
				return err
			}
			defer arc.Close()

			if len(fields) == 0 {
				fields = a.cfg.Search.DefaultFields
			}
			if limit <= 0 {
				limit = a.cfg.Search.Limit
			}
			recs, err := arc.Search(cmd.Context(), strings.Join(args, " "), fields, limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(os.Stderr, "Nothing found :(")
				return nil
			}
			return printRecords(arc, output, recs)
		},
	}
	search.Flags().StringSliceVarP(&fields, "field", "f", nil, "fields searched by unqualified terms: name, creator, parody, tag")
	search.Flags().IntVarP(&limit, "max", "n", 0, "maximum number of results")
	cmd.AddCommand(search)

	return cmd
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func printRecords(arc *archivist.Archive, output string, recs []*archivist.Record) error {
	if output == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	for _, rec := range recs {
		switch output {
		case "pretty":
			fmt.Println(rec.PrettyLine())
		case "name":
			fmt.Println(rec.Name)
		case "id":
			fmt.Println(rec.ID)
		case "id-path":
			fmt.Println(arc.CanonicalDir(rec.ID))
		case "path":
			fmt.Println(arc.AliasPath(archivist.ViewCreator, rec.Creator, rec))
		case "url":
			fmt.Println(rec.OriginURL)
		default:
			return fmt.Errorf("unknown output %q", output)
		}
	}
	return nil
}

func (a *app) dirCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "dir <tag|creator|data|meta|rendered>",
		Short:     "Print an archive directory",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"tag", "creator", "data", "meta", "rendered"},
		RunE: func(cmd *cobra.Command, args []string) error {
			l := archivist.Layout{Base: a.cfg.Dir}
			switch args[0] {
			case "data":
				fmt.Println(l.DataDir())
			case "meta":
				fmt.Println(l.MetaDir())
			case "rendered":
				fmt.Println(l.RenderedDir())
			default:
				kind, err := archivist.ParseViewKind(args[0])
				if err != nil {
					return err
				}
				fmt.Println(l.ViewDir(kind))
			}
			return nil
		},
	}
}

func (a *app) reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index and alias views from stored records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			arc, err := a.open(nil)
			if err != nil {
				return err
			}
			defer arc.Close()

			fmt.Fprintln(os.Stderr, "Rebuilding search index and views...")
			report, err := arc.Reindex(cmd.Context(), func(id uint32, done int) {
				if done%500 == 0 {
					fmt.Fprintf(os.Stderr, "\rReindexed %s records", humanize.Comma(int64(done)))
				}
			})
			if err != nil {
				return fmt.Errorf("reindex: %w", err)
			}
			fmt.Fprintf(os.Stderr, "\rReindexed %s records\n", humanize.Comma(int64(report.Records)))
			if n := len(report.Corrupt); n > 0 {
				fmt.Fprintf(os.Stderr, "Skipped %d undecodable records\n", n)
			}
			if n := len(report.Unlinked); n > 0 {
				fmt.Fprintf(os.Stderr, "%d records have incomplete aliases\n", n)
			}
			if report.Cancelled {
				fmt.Fprintln(os.Stderr, "Interrupted; index is partial until reindex completes.")
			}
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	var failed int
	var prune bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show archive statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			arc, err := a.open(nil)
			if err != nil {
				return err
			}
			defer arc.Close()

			stats, err := arc.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			fmt.Printf("Archive:     %s\n", arc.Root())
			fmt.Printf("Records:     %s\n", humanize.Comma(stats.Records))
			fmt.Printf("Indexed:     %s\n", humanize.Comma(stats.Indexed))
			fmt.Printf("Units:       %s\n", humanize.Comma(stats.Units))
			fmt.Printf("Disk usage:  %s\n", humanize.Bytes(uint64(stats.DiskBytes)))
			for _, o := range []archivist.Outcome{archivist.OutcomeCommitted, archivist.OutcomeSkipped, archivist.OutcomeFailed} {
				if n, ok := stats.Journal[o]; ok {
					fmt.Printf("Last %-9s %s\n", string(o)+":", humanize.Comma(n))
				}
			}

			for _, kind := range archivist.ViewKinds {
				if prune {
					n, err := arc.Prune(kind)
					if err != nil {
						return err
					}
					if n > 0 {
						fmt.Printf("Pruned %d dangling %s aliases\n", n, kind)
					}
					continue
				}
				dangling, err := arc.Dangling(kind)
				if err != nil {
					return err
				}
				if len(dangling) > 0 {
					fmt.Printf("Dangling %s aliases: %d (run with --prune)\n", kind, len(dangling))
				}
			}

			if failed > 0 && arc.Journal() != nil {
				entries, err := arc.Journal().Failed(cmd.Context(), failed)
				if err != nil {
					return err
				}
				if len(entries) > 0 {
					fmt.Println("\nRecent failures:")
				}
				for _, e := range entries {
					fmt.Printf("  %d %s [%s, %s, %d attempts] %s\n",
						e.ID, e.Name, e.Stage, humanize.Time(e.UpdatedAt), e.Attempts, e.LastError)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&failed, "failed", 10, "show this many recent failures")
	cmd.Flags().BoolVar(&prune, "prune", false, "remove dangling aliases")
	return cmd
}
