package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/docket/internal/api"
	"github.com/kalambet/docket/internal/broadcast"
	"github.com/kalambet/docket/internal/config"
	"github.com/kalambet/docket/internal/quota"
	"github.com/kalambet/docket/internal/search"
	"github.com/kalambet/docket/internal/storage"
)

// --- upload ---

type uploadResult struct {
	Document api.DocumentView `json:"document"`
	Usage    quota.Usage      `json:"usage"`
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a document for processing",
	Long: `Upload a document for processing.

Examples:
  docket upload ./contract.pdf
  docket upload --pipeline basic --watch ./scan.png`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pipeline, _ := cmd.Flags().GetString("pipeline")
		watch, _ := cmd.Flags().GetBool("watch")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient(ownerFlag(cmd))
		if err != nil {
			return err
		}
		res, err := uploadFile(cmd.Context(), client, filepath.Base(args[0]), data, pipeline)
		if err != nil {
			return err
		}

		printSuccess("Queued document %s (%s)", res.Document.ID, res.Document.Filename)
		if res.Usage.Warning {
			printWarning("%d of %d monthly uploads used", res.Usage.Current, res.Usage.Limit)
		}
		fmt.Println(res.Document.ID)

		if watch {
			return watchDocument(cmd.Context(), client, res.Document.ID, os.Stderr)
		}
		return nil
	},
}

func uploadFile(ctx context.Context, client *apiClient, filename string, data []byte, pipeline string) (uploadResult, error) {
	resp, err := client.upload(ctx, filename, data, pipeline)
	if err != nil {
		return uploadResult{}, err
	}
	var res uploadResult
	if err := decodeJSON(resp, &res); err != nil {
		return uploadResult{}, err
	}
	return res, nil
}

func init() {
	uploadCmd.Flags().String("pipeline", "", "pipeline variant: full (default) or basic")
	uploadCmd.Flags().Bool("watch", false, "follow processing progress until it finishes")
}

// --- status / list ---

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a document's processing status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		withText, _ := cmd.Flags().GetBool("text")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient(ownerFlag(cmd))
		if err != nil {
			return err
		}
		doc, err := getDocument(cmd.Context(), client, args[0], withText)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, doc)
		}
		printDocument(os.Stdout, doc)
		return nil
	},
}

func getDocument(ctx context.Context, client *apiClient, id string, withText bool) (api.DocumentView, error) {
	path := "/v1/documents/" + url.PathEscape(id)
	if withText {
		path += "?include=text"
	}
	resp, err := client.get(ctx, path)
	if err != nil {
		return api.DocumentView{}, err
	}
	var doc api.DocumentView
	if err := decodeJSON(resp, &doc); err != nil {
		return api.DocumentView{}, err
	}
	return doc, nil
}

func printDocument(w io.Writer, d api.DocumentView) {
	printStatus(w, "ID", "%s", d.ID)
	printStatus(w, "File", "%s (%s, %d bytes)", d.Filename, d.ContentType, d.FileSize)
	printStatus(w, "Pipeline", "%s", d.Pipeline)
	status := d.Status
	if d.Stage != "" && d.Status != string(storage.StatusCompleted) {
		status += " at " + d.Stage
	}
	printStatus(w, "Status", "%s %s %.0f%%", status, progressBar(d.Progress), d.Progress)
	if d.LastSuccessfulStage != "" {
		printStatus(w, "Last stage", "%s", d.LastSuccessfulStage)
	}
	if d.DocumentType != "" {
		printStatus(w, "Type", "%s", d.DocumentType)
	}
	if d.Error != nil {
		printStatus(w, "Error", "%s: %s", d.Error.Kind, d.Error.Message)
	}
	printStatus(w, "Created", "%s", d.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if d.ExtractedText != "" {
		fmt.Fprintf(w, "\n%s\n", d.ExtractedText)
	}
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient(ownerFlag(cmd))
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/documents?limit="+strconv.Itoa(limit))
		if err != nil {
			return err
		}
		var docs []api.DocumentView
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}
		for _, d := range docs {
			fmt.Printf("%s  %-10s %5.0f%%  %s\n", d.ID, d.Status, d.Progress, d.Filename)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("text", false, "include the extracted text")
	statusCmd.Flags().Bool("json", false, "print the raw JSON document")
	listCmd.Flags().Int("limit", 20, "maximum number of documents")
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Follow a document's processing progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(ownerFlag(cmd))
		if err != nil {
			return err
		}
		return watchDocument(cmd.Context(), client, args[0], os.Stderr)
	},
}

// watchDocument prints progress events until the pipeline finishes. It
// returns an error when processing failed.
func watchDocument(ctx context.Context, client *apiClient, id string, w io.Writer) error {
	resp, err := client.get(ctx, "/v1/documents/"+url.PathEscape(id)+"/events")
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return decodeJSON(resp, nil)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var e broadcast.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		fmt.Fprintf(w, "%s %5.1f%%  %s\n", progressBar(e.Progress), e.Progress, e.Stage)
		if !e.Terminal {
			continue
		}
		if e.Status == string(storage.StatusFailed) {
			return fmt.Errorf("processing failed at %s (%s): %s", e.Stage, e.ErrorKind, e.Error)
		}
		printSuccess("Document %s processed", id)
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return fmt.Errorf("event stream ended before processing finished")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search processed documents",
	Long: `Search processed documents.

Examples:
  docket search "termination clause"
  docket search --mode lexical --type invoice --from 2026-01-01 acme`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := url.Values{}
		params.Set("q", strings.Join(args, " "))
		for _, name := range []string{"mode", "type", "from", "to"} {
			if v, _ := cmd.Flags().GetString(name); v != "" {
				params.Set(name, v)
			}
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			params.Set("limit", strconv.Itoa(limit))
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient(ownerFlag(cmd))
		if err != nil {
			return err
		}
		results, err := searchDocuments(cmd.Context(), client, params)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, results)
		}
		if len(results) == 0 {
			printWarning("no matching documents")
			return nil
		}
		for _, r := range results {
			fmt.Printf("%d. %s  %s", r.Rank, colorize(colorBold, r.Filename), r.DocumentID)
			if r.DocumentType != "" {
				fmt.Printf("  [%s]", r.DocumentType)
			}
			fmt.Println()
			if r.Snippet != "" {
				fmt.Printf("   %s\n", strings.Join(strings.Fields(r.Snippet), " "))
			}
		}
		return nil
	},
}

func searchDocuments(ctx context.Context, client *apiClient, params url.Values) ([]search.Result, error) {
	resp, err := client.get(ctx, "/v1/search?"+params.Encode())
	if err != nil {
		return nil, err
	}
	var body struct {
		Results []search.Result `json:"results"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return nil, err
	}
	return body.Results, nil
}

func init() {
	searchCmd.Flags().String("mode", "", "lexical, semantic or combined (default combined)")
	searchCmd.Flags().String("type", "", "only documents of this type")
	searchCmd.Flags().String("from", "", "created on or after (RFC 3339 or YYYY-MM-DD)")
	searchCmd.Flags().String("to", "", "created on or before (RFC 3339 or YYYY-MM-DD)")
	searchCmd.Flags().Int("limit", 0, "maximum number of results")
	searchCmd.Flags().Bool("json", false, "print results as JSON")
}

// --- usage / delete ---

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show this month's upload usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(ownerFlag(cmd))
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/usage")
		if err != nil {
			return err
		}
		var u quota.Usage
		if err := decodeJSON(resp, &u); err != nil {
			return err
		}
		printUsage(os.Stdout, u)
		return nil
	},
}

func printUsage(w io.Writer, u quota.Usage) {
	printStatus(w, "Tier", "%s", u.Tier)
	if u.Limit == quota.Unlimited {
		printStatus(w, "Uploads", "%d (unlimited)", u.Current)
	} else {
		printStatus(w, "Uploads", "%d of %d %s %.0f%%", u.Current, u.Limit, progressBar(u.Percentage), u.Percentage)
		printStatus(w, "Remaining", "%d", u.Remaining)
	}
	printStatus(w, "Max file size", "%d MB", u.MaxFileSize>>20)
	if u.Degraded {
		printStatus(w, "Note", "quota backend unavailable; counts may be stale")
	}
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its search entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(ownerFlag(cmd))
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

// --- tier ---

var tierCmd = &cobra.Command{
	Use:   "tier",
	Short: "Manage owner billing tiers",
}

var tierSetCmd = &cobra.Command{
	Use:   "set <owner> <tier>",
	Short: "Assign a billing tier to an owner (writes the local database)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, tier := args[0], args[1]
		if _, ok := quota.DefaultCatalog().Tiers[tier]; !ok {
			return fmt.Errorf("unknown tier %q", tier)
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()
		if err := store.SetOwnerTier(cmd.Context(), owner, tier); err != nil {
			return err
		}
		printSuccess("Owner %s is now on the %s tier", owner, tier)
		printStep("A running server picks this up within %s", cfg.Quota.TierCacheTTL)
		return nil
	},
}

func init() {
	tierCmd.AddCommand(tierSetCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
