package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/specvault/internal/auth"
	"github.com/MarcoPoloResearchLab/specvault/internal/chain"
	"github.com/MarcoPoloResearchLab/specvault/internal/config"
	"github.com/MarcoPoloResearchLab/specvault/internal/document"
	"github.com/MarcoPoloResearchLab/specvault/internal/export"
	"github.com/MarcoPoloResearchLab/specvault/internal/history"
	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newSaveCommand() *cobra.Command {
	var (
		version      string
		name         string
		documentPath string
	)
	cmd := &cobra.Command{
		Use:   "save <file>",
		Short: "Store the current content of a document as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context(), consoleLogging(cmd))
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck

			tree, _, err := document.ReadFile(args[0])
			if err != nil {
				return err
			}
			if documentPath == "" {
				documentPath, err = vaultRelative(app.config.VaultRoot, args[0])
				if err != nil {
					return err
				}
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(documentPath), filepath.Ext(documentPath))
			}

			result, err := app.service.Save(cmd.Context(), history.SaveRequest{
				Path:    documentPath,
				Name:    name,
				Version: version,
				Content: tree,
			})
			if errors.Is(err, chain.ErrNoChanges) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: no changes since the last version\n", documentPath)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s %s as #%d (%s, %d changes)\n",
				result.Record.Path, result.Record.Version, result.Record.ID, result.Reason, result.Changes)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "Semantic version of this save")
	cmd.Flags().StringVar(&name, "name", "", "Label for the version (defaults to the file name)")
	cmd.Flags().StringVar(&documentPath, "path", "", "Vault path to store under (defaults to the file path relative to the vault root)")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newListCommand() *cobra.Command {
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "list <path>",
		Short: "List the versions of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context(), consoleLogging(cmd))
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck

			records, err := app.service.ListVersions(cmd.Context(), args[0], includeDeleted)
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().BoolVar(&includeDeleted, "all", false, "Include versions in the trash")
	return cmd
}

func newShowCommand() *cobra.Command {
	var (
		id     int64
		format string
	)
	cmd := &cobra.Command{
		Use:   "show <path>",
		Short: "Print a version of a document (the latest by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context(), consoleLogging(cmd))
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck

			var tree any
			if id > 0 {
				tree, err = app.service.GetPatchedVersion(cmd.Context(), args[0], id)
			} else {
				var found bool
				tree, found, err = app.service.GetLatestContent(cmd.Context(), args[0])
				if err == nil && !found {
					err = fmt.Errorf("%w: %s has no live versions", history.ErrVersionNotFound, args[0])
				}
			}
			if err != nil {
				return err
			}
			outputFormat := document.Format(format)
			if format == "" {
				if outputFormat, err = document.FormatFromPath(args[0]); err != nil {
					outputFormat = document.FormatJSON
				}
			}
			encoded, err := document.Marshal(tree, outputFormat)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(encoded)
			return err
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "Version id to reconstruct")
	cmd.Flags().StringVar(&format, "format", "", "Output format (json, yaml)")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	var (
		permanent bool
		file      bool
	)
	cmd := &cobra.Command{
		Use:   "delete <id|path>",
		Short: "Move a version, or with --file a whole document, to the trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context(), consoleLogging(cmd))
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck

			if file {
				return app.service.DeleteFile(cmd.Context(), args[0])
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if permanent {
				return app.service.DeletePermanently(cmd.Context(), id)
			}
			return app.service.DeleteVersion(cmd.Context(), id)
		},
	}
	cmd.Flags().BoolVar(&permanent, "permanent", false, "Erase the version instead of trashing it")
	cmd.Flags().BoolVar(&file, "file", false, "Treat the argument as a document path and trash its whole history")
	return cmd
}

func newRestoreCommand() *cobra.Command {
	var (
		all          bool
		documentPath string
	)
	cmd := &cobra.Command{
		Use:   "restore [id]",
		Short: "Restore a version, or with --all the trash, from the trash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context(), consoleLogging(cmd))
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck

			if all {
				return app.service.RestoreAll(cmd.Context(), documentPath)
			}
			if len(args) != 1 {
				return errors.New("restore requires a version id or --all")
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return app.service.RestoreVersion(cmd.Context(), id)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Restore every trashed version")
	cmd.Flags().StringVar(&documentPath, "path", "", "Limit --all to one document")
	return cmd
}

func newPurgeCommand() *cobra.Command {
	var (
		documentPath string
		everything   bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Erase the trash, the history of one document, or everything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context(), consoleLogging(cmd))
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck

			switch {
			case everything:
				return app.service.ClearAll(cmd.Context())
			case documentPath != "":
				return app.service.RemoveAllVersions(cmd.Context(), documentPath)
			default:
				return app.service.PermanentlyClearAll(cmd.Context())
			}
		},
	}
	cmd.Flags().StringVar(&documentPath, "path", "", "Erase every version of this document")
	cmd.Flags().BoolVar(&everything, "everything", false, "Erase every version of every document")
	cmd.MarkFlagsMutuallyExclusive("path", "everything")
	return cmd
}

func newRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <old-path> <new-path>",
		Short: "Move the history of a document to a new path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context(), consoleLogging(cmd))
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck
			return app.service.RenameFile(cmd.Context(), args[0], args[1])
		},
	}
}

func newEntriesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "entries",
		Short: "Summarize every tracked document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context(), consoleLogging(cmd))
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck

			view, err := app.service.EntryView(cmd.Context())
			if err != nil {
				return err
			}
			return writeEntries(cmd.OutOrStdout(), view)
		},
	}
}

func newExportCommand() *cobra.Command {
	var (
		id      int64
		out     string
		archive bool
		all     bool
	)
	cmd := &cobra.Command{
		Use:   "export [path]",
		Short: "Write a version, a history archive, or the whole vault to disk",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context(), consoleLogging(cmd))
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck

			exporter, err := export.New(export.Config{
				Source:      app.service,
				Concurrency: app.config.ExportConcurrency,
				Logger:      app.logger,
			})
			if err != nil {
				return err
			}
			if all {
				written, err := exporter.WriteAll(cmd.Context(), out)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d documents to %s\n", written, out)
				return nil
			}
			if len(args) != 1 {
				return errors.New("export requires a document path or --all")
			}
			if archive {
				manifest, err := exporter.WriteHistory(cmd.Context(), args[0], out)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "archived %d versions of %s to %s\n", len(manifest.Versions), args[0], out)
				return nil
			}
			if id <= 0 {
				return errors.New("export of a single version requires --id")
			}
			return exporter.WriteVersion(cmd.Context(), args[0], id, out)
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "Version id to export")
	cmd.Flags().StringVar(&out, "out", "", "Destination file or directory")
	cmd.Flags().BoolVar(&archive, "history", false, "Write every live version into a zip archive")
	cmd.Flags().BoolVar(&all, "all", false, "Write the latest version of every document under --out")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		subject string
		write   bool
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !appConfig.AuthEnabled() {
				return errors.New("auth.signing_secret is not configured")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			scope := auth.ScopeRead
			if write {
				scope = auth.ScopeWrite
			}
			token, expiresAt, err := issuer.Issue(subject, scope)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject, such as a user or pipeline name")
	cmd.Flags().BoolVar(&write, "write", false, "Grant write access")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func parseID(value string) (int64, error) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid version id %q", value)
	}
	return id, nil
}

// vaultRelative maps a file on disk to its path inside the vault root.
func vaultRelative(root, file string) (string, error) {
	absoluteRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absoluteFile, err := filepath.Abs(file)
	if err != nil {
		return "", err
	}
	relative, err := filepath.Rel(absoluteRoot, absoluteFile)
	if err != nil {
		return "", err
	}
	if relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the vault root %s", history.ErrInvalidPath, file, root)
	}
	return filepath.ToSlash(relative), nil
}

func writeRecords(out io.Writer, records []versions.Record) error {
	table := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "ID\tVERSION\tNAME\tCREATED\tSTORAGE\tSTATE")
	for _, record := range records {
		storage := "delta"
		if record.IsFull {
			storage = "full"
		}
		state := "live"
		if record.SoftDeleted {
			state = "trash"
		}
		created := time.UnixMilli(record.CreatedAtMillis).UTC().Format(time.RFC3339)
		fmt.Fprintf(table, "%d\t%s\t%s\t%s\t%s\t%s\n", record.ID, record.Version, record.Name, created, storage, state)
	}
	return table.Flush()
}

func writeEntries(out io.Writer, view map[string]versions.EntryStats) error {
	paths := make([]string, 0, len(view))
	for documentPath := range view {
		paths = append(paths, documentPath)
	}
	sort.Strings(paths)

	table := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "PATH\tVERSIONS\tTRASHED\tLAST UPDATE")
	for _, documentPath := range paths {
		stats := view[documentPath]
		lastUpdate := "-"
		if stats.LastUpdate > 0 {
			lastUpdate = time.UnixMilli(stats.LastUpdate).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(table, "%s\t%d\t%d\t%s\n", documentPath, stats.Count, stats.DeletedCount, lastUpdate)
	}
	return table.Flush()
}
