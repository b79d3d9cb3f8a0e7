package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/soulfra/lineage/internal/api"
	"github.com/soulfra/lineage/internal/config"
	"github.com/soulfra/lineage/internal/domain"
	"github.com/soulfra/lineage/internal/export"
	"github.com/soulfra/lineage/internal/fetcher"
	"github.com/soulfra/lineage/internal/payload"
	"github.com/soulfra/lineage/internal/store"
	"github.com/soulfra/lineage/internal/verify"
)

var (
	cfg    config.Config
	dbPath string
)

func main() {
	cfg = config.Load()

	rootCmd := &cobra.Command{
		Use:   "lineage",
		Short: "Tamper-evident lineage chain for scans, voice archives and snapshots",
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", cfg.DBPath, "database path")

	rootCmd.AddCommand(appendCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(childrenCmd())
	rootCmd.AddCommand(rootsCmd())
	rootCmd.AddCommand(walkCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(captureCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getStore() (*store.Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return store.New(dbPath)
}

// resolve turns a possibly-abbreviated hash into its entry.
func resolve(s *store.Store, ref string) (*domain.Entry, error) {
	entry, err := s.FindByPrefix(ref)
	if err == domain.ErrNotFound {
		return nil, fmt.Errorf("entry not found: %s", ref)
	}
	return entry, err
}

func appendCmd() *cobra.Command {
	var (
		parent string
		at     string
	)

	cmd := &cobra.Command{
		Use:   "append [kind] [record-json]",
		Short: "Append an entry to the chain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, record := args[0], args[1]

			encoded, err := payload.Encode(kind, json.RawMessage(record))
			if err != nil {
				return err
			}

			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			parentHash := ""
			if parent != "" {
				p, err := resolve(s, parent)
				if err != nil {
					return err
				}
				parentHash = p.ContentHash
			}

			createdAt := time.Now().UTC()
			if at != "" {
				createdAt, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at timestamp: %w", err)
				}
			}

			entry, created, err := s.Append(encoded, parentHash, createdAt)
			if err != nil {
				return err
			}

			if created {
				fmt.Printf("Appended entry: %s\n", entry.ContentHash[:12])
			} else {
				fmt.Printf("Already present: %s\n", entry.ContentHash[:12])
			}
			if entry.ParentHash != "" {
				fmt.Printf("Parent: %s\n", entry.ParentHash[:12])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&parent, "parent", "", "parent hash (prefix allowed)")
	cmd.Flags().StringVar(&at, "at", "", "creation time, RFC3339 (default now)")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [hash]",
		Short: "Show entry details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			entry, err := resolve(s, args[0])
			if err != nil {
				return err
			}

			printEntry(*entry, 0)
			env, err := payload.Decode(entry.Payload)
			if err == nil {
				fmt.Printf("Record:\n%s\n", indentJSON(env.Record))
			}
			return nil
		},
	}
}

func childrenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "children [hash]",
		Short: "List direct descendants of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			entry, err := resolve(s, args[0])
			if err != nil {
				return err
			}

			children, err := s.Children(entry.ContentHash)
			if err != nil {
				return err
			}
			if len(children) == 0 {
				fmt.Println("No children.")
				return nil
			}
			for _, c := range children {
				printEntry(c, 0)
			}
			return nil
		},
	}
}

func rootsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roots",
		Short: "List root entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			roots, err := s.Roots()
			if err != nil {
				return err
			}
			if len(roots) == 0 {
				fmt.Println("No entries yet. Use 'lineage append' to create one.")
				return nil
			}
			for _, r := range roots {
				printEntry(r, 0)
			}
			return nil
		},
	}
}

func walkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "walk [hash]",
		Short: "Print the subtree under an entry, depth-first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			entry, err := resolve(s, args[0])
			if err != nil {
				return err
			}

			depth := map[string]int{entry.ContentHash: 0}
			for e, err := range s.Walk(entry.ContentHash) {
				if err != nil {
					return err
				}
				d := depth[e.ContentHash]
				printEntry(e, d)
				children, err := s.Children(e.ContentHash)
				if err != nil {
					return err
				}
				for _, c := range children {
					depth[c.ContentHash] = d + 1
				}
			}
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [hash]",
		Short: "Verify an entry and its ancestor chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			entry, err := resolve(s, args[0])
			if err != nil {
				return err
			}

			result, err := verify.New(s).Verify(entry.ContentHash)
			if err != nil {
				return err
			}

			fmt.Printf("%s  %s\n", result.ContentHash[:12], result.Status)
			if result.Detail != "" {
				fmt.Printf("  %s\n", result.Detail)
			}
			if !result.OK() {
				os.Exit(1)
			}
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Verify every entry in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			total, err := s.Count()
			if err != nil {
				return err
			}

			results, err := verify.New(s).VerifyAll()
			if err != nil {
				return err
			}

			bad := 0
			for _, res := range results {
				if res.OK() {
					continue
				}
				bad++
				fmt.Printf("%s  %s", res.ContentHash[:12], res.Status)
				if res.Detail != "" {
					fmt.Printf("  (%s)", res.Detail)
				}
				fmt.Println()
			}

			fmt.Printf("%d entries, %d valid, %d flagged\n", total, len(results)-bad, bad)
			if bad > 0 {
				os.Exit(1)
			}
			return nil
		},
	}
}

func purgeCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "purge [hash]",
		Short: "Remove an entry (administrative)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			entry, err := resolve(s, args[0])
			if err != nil {
				return err
			}

			hasKids, err := s.HasChildren(entry.ContentHash)
			if err != nil {
				return err
			}
			if hasKids && !force {
				return fmt.Errorf("entry %s has descendants; purging breaks their chain (use --force)", entry.ContentHash[:12])
			}

			if err := s.Purge(entry.ContentHash); err != nil {
				return err
			}
			fmt.Printf("Purged %s\n", entry.ContentHash[:12])
			if hasKids {
				fmt.Println("Descendants will now verify as broken_chain.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "purge even when descendants exist")
	return cmd
}

func captureCmd() *cobra.Command {
	var parent string

	cmd := &cobra.Command{
		Use:   "capture [url]",
		Short: "Fetch a page and append its text as a capture entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !fetcher.IsURL(args[0]) {
				return fmt.Errorf("not a URL: %s", args[0])
			}

			page, err := fetcher.Fetch(args[0], cfg.FetchTimeout)
			if err != nil {
				return err
			}

			record, err := json.Marshal(payload.Capture{
				URL:   page.URL,
				Title: page.Title,
				Text:  page.Text,
			})
			if err != nil {
				return err
			}
			encoded, err := payload.Encode(payload.KindCapture, record)
			if err != nil {
				return err
			}

			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			parentHash := ""
			if parent != "" {
				p, err := resolve(s, parent)
				if err != nil {
					return err
				}
				parentHash = p.ContentHash
			}

			entry, created, err := s.Append(encoded, parentHash, time.Now().UTC())
			if err != nil {
				return err
			}

			if created {
				fmt.Printf("Captured %s\n", page.URL)
			} else {
				fmt.Printf("Already captured: %s\n", page.URL)
			}
			fmt.Printf("Entry: %s\n", entry.ContentHash[:12])
			if page.Title != "" {
				fmt.Printf("Title: %s\n", truncate(page.Title, 80))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&parent, "parent", "", "parent hash (prefix allowed)")
	return cmd
}

func exportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export [hash]",
		Short: "Export a subtree as a content-addressed manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			entry, err := resolve(s, args[0])
			if err != nil {
				return err
			}

			manifest, err := export.Subtree(s, entry.ContentHash)
			if err != nil {
				return err
			}

			w := os.Stdout
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create manifest file: %w", err)
				}
				defer f.Close()
				w = f
			}
			if err := manifest.WriteTo(w); err != nil {
				return err
			}
			if out != "" {
				fmt.Printf("Exported %d entries to %s\n", len(manifest.Entries), out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "write manifest to file instead of stdout")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			// Note: don't defer s.Close() as server runs indefinitely

			server := api.New(s, addr, nil)
			return server.Run()
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", cfg.Addr, "server address")
	return cmd
}

func printEntry(e domain.Entry, depth int) {
	kind := "?"
	if env, err := payload.Decode(e.Payload); err == nil {
		kind = env.Kind
	}
	indent := strings.Repeat("  ", depth)
	fmt.Printf("%s%s  %-8s  %s\n", indent, e.ContentHash[:12], kind, e.CreatedAt.Format("2006-01-02 15:04:05"))
}

func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
