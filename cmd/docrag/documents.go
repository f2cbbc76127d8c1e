package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/docrag/internal/retrieval"
	"github.com/fyrsmithlabs/docrag/internal/store"
)

func newAddCmd(opts *options) *cobra.Command {
	var (
		id     string
		title  string
		ingest bool
	)
	cmd := &cobra.Command{
		Use:   "add <file|->",
		Short: "Register a plain-text document",
		Long: `Register a plain-text document for the tenant. Use - to read stdin.

Examples:
  # Register and index a file
  docrag add notes.txt --tenant acme --ingest

  # Register text from stdin under a fixed id
  cat notes.md | docrag add - --tenant acme --id notes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if id == "" {
				id = uuid.New().String()
			}
			if title == "" && args[0] != "-" {
				title = filepath.Base(args[0])
			}

			return withApp(cmd.Context(), opts, func(a *app) error {
				doc := &store.Document{ID: id, TenantID: opts.tenant, Title: title, Text: text}
				if err := a.docs.Put(cmd.Context(), doc); err != nil {
					return fmt.Errorf("failed to save document: %w", err)
				}
				out := map[string]any{"id": id, "tenant": opts.tenant, "title": title}
				if ingest {
					res, err := a.retrieval.IngestDocument(cmd.Context(), opts.tenant, id)
					if err != nil {
						return fmt.Errorf("failed to ingest document: %w", err)
					}
					out["chunks"] = res.Chunks
				}
				if opts.json {
					return outputJSON(cmd.OutOrStdout(), out)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Document added: %s\n", id)
				if ingest {
					fmt.Fprintf(cmd.OutOrStdout(), "Chunks indexed: %d\n", out["chunks"])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "document id (default: random UUID)")
	cmd.Flags().StringVar(&title, "title", "", "document title (default: file name)")
	cmd.Flags().BoolVar(&ingest, "ingest", false, "index the document immediately")
	return cmd
}

func newDocumentsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "documents",
		Short: "List the tenant's documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				docs, err := a.docs.List(cmd.Context(), opts.tenant)
				if err != nil {
					return fmt.Errorf("failed to list documents: %w", err)
				}
				if opts.json {
					return outputJSON(cmd.OutOrStdout(), docs)
				}
				if len(docs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No documents found")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTITLE\tCHUNKS\tINDEXED")
				for _, d := range docs {
					indexed := "-"
					if d.IndexedAt != nil {
						indexed = d.IndexedAt.Format("2006-01-02 15:04")
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.ID, truncate(d.Title, 30), d.ChunkCount, indexed)
				}
				return w.Flush()
			})
		},
	}
}

func newIngestCmd(opts *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ingest [document-id...]",
		Short: "Chunk, embed and index registered documents",
		Long: `Chunk, embed and index registered documents. Re-ingesting a document
replaces its previous chunks.

Examples:
  docrag ingest 3f2c... --tenant acme
  docrag ingest --all --tenant acme`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("pass document ids or --all")
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				ids := args
				if all {
					docs, err := a.docs.List(cmd.Context(), opts.tenant)
					if err != nil {
						return fmt.Errorf("failed to list documents: %w", err)
					}
					ids = ids[:0]
					for _, d := range docs {
						ids = append(ids, d.ID)
					}
				}

				var (
					results []*retrieval.IngestResult
					failed  []error
				)
				for _, id := range ids {
					res, err := a.retrieval.IngestDocument(cmd.Context(), opts.tenant, id)
					if err != nil {
						failed = append(failed, fmt.Errorf("%s: %w", id, err))
						continue
					}
					results = append(results, res)
				}

				if opts.json {
					if err := outputJSON(cmd.OutOrStdout(), results); err != nil {
						return err
					}
				} else {
					for _, r := range results {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunks (index now %d)\n", r.DocumentID, r.Chunks, r.IndexCount)
						if r.PersistErr != nil {
							fmt.Fprintf(cmd.ErrOrStderr(), "warning: index not saved: %v\n", r.PersistErr)
						}
					}
				}
				return errors.Join(failed...)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "ingest every document of the tenant")
	return cmd
}

func newForgetCmd(opts *options) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "forget <document-id>",
		Short: "Remove a document's chunks from the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				if err := a.retrieval.DeleteDocument(cmd.Context(), opts.tenant, args[0]); err != nil {
					return err
				}
				if purge {
					if err := a.docs.Delete(cmd.Context(), args[0]); err != nil {
						return fmt.Errorf("failed to delete document: %w", err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Document forgotten: %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete the stored document text")
	return cmd
}

// readInput reads a file, or r when name is "-".
func readInput(r io.Reader, name string) (string, error) {
	var (
		content []byte
		err     error
	)
	if name == "-" {
		content, err = io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(name)
		if err != nil {
			return "", fmt.Errorf("failed to read file %s: %w", name, err)
		}
	}
	if strings.TrimSpace(string(content)) == "" {
		return "", errors.New("no content to add")
	}
	return string(content), nil
}
