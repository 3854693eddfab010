package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/app"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/engine"
	"caseline/internal/migrate"
	"caseline/internal/repo"
	"caseline/internal/server"
	"caseline/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Caseline CLI",
	Long: `Caseline runs a legal office's case pipeline from the terminal.
- Workspace: the .caseline directory holding the database and uploaded files.
- Cases: one record per client matter, typed by the workflow catalog (visa-work, civil-action, ...).
- Steps: each case type walks an ordered step ladder; symmetric workflows can undo steps, forward-only ones cannot.
- Documents: files tagged with a requirement key; 'cl docs pending' shows what the client still owes.
- Notes: an append-only journal per case, attributed through the office roster.
- Events: the office diary, view with 'cl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("author", "", "author name for notes and step changes")
	rootCmd.PersistentFlags().String("config", "", "caseline.yml path (overrides the stored config)")
	rootCmd.PersistentFlags().String("office", "", "office id used when seeding a fresh workspace")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("author", rootCmd.PersistentFlags().Lookup("author"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("office", rootCmd.PersistentFlags().Lookup("office"))
}

func registerCommands() {
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(docsCmd())
	rootCmd.AddCommand(noteCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage cases"}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseUpdateCmd())
	c.AddCommand(caseDeleteCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var caseType, country, id string
	var fieldsJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			var fields map[string]any
			if fieldsJSON != "" {
				if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
					return fmt.Errorf("invalid --fields: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCase(ctx, engine.CaseCreateOptions{
					ID:        id,
					CaseType:  caseType,
					Country:   country,
					Fields:    fields,
					ActorName: viper.GetString("author"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&caseType, "type", "", "case type from the workflow catalog")
	cmd.Flags().StringVar(&country, "country", "", "client country")
	cmd.Flags().StringVar(&id, "id", "", "case id (generated when empty)")
	cmd.Flags().StringVar(&fieldsJSON, "fields", "", "extra fields as a JSON object")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func caseListCmd() *cobra.Command {
	var caseType, status, country string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCases(ctx, repo.CaseFilters{
					CaseType: caseType,
					Status:   status,
					Country:  country,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Country", "Status", "Step", "Created"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.CaseType, c.Country, c.Status, c.CurrentStepIndex, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseType, "type", "", "case type filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&country, "country", "", "country filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func caseUpdateCmd() *cobra.Command {
	var status, country, fieldsJSON string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fields map[string]any
			if fieldsJSON != "" {
				if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
					return fmt.Errorf("invalid --fields: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.PatchCase(ctx, engine.CasePatchOptions{
					ID:        args[0],
					Status:    status,
					Country:   optionalString(country),
					Fields:    fields,
					ActorName: viper.GetString("author"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (open, archived, closed)")
	cmd.Flags().StringVar(&country, "country", "", "new country")
	cmd.Flags().StringVar(&fieldsJSON, "fields", "", "fields to merge as a JSON object (null values delete)")
	return cmd
}

func caseDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a case and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				docs, err := e.DeleteCase(ctx, args[0], viper.GetString("author"))
				if err != nil {
					return err
				}
				store, err := openStore()
				if err != nil {
					return err
				}
				for _, d := range docs {
					_ = store.Delete(d.StoragePath)
				}
				fmt.Printf("deleted case %s (%d stored files removed)\n", args[0], len(docs))
				return nil
			})
		},
	}
	return cmd
}

func stepCmd() *cobra.Command {
	c := &cobra.Command{Use: "step", Short: "Work the step ladder"}
	c.AddCommand(stepShowCmd())
	c.AddCommand(stepToggleCmd())
	c.AddCommand(stepCompleteCmd())
	return c
}

func stepShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show workflow state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.GetCaseWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Step", "Done", "Current"})
				for _, s := range w.Steps {
					done := ""
					if s.Completed {
						done = "x"
					}
					current := ""
					if s.Current {
						current = "<-"
					}
					tw.AppendRow(table.Row{s.Index, s.Title, done, current})
				}
				tw.Render()
				fmt.Printf("policy: %s\n", w.Policy)
				return nil
			})
		},
	}
	return cmd
}

func stepAdvanceCmd(use, short string, forwardOnly bool) *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.AdvanceStep(ctx, engine.StepAdvanceOptions{
					CaseID:      args[0],
					StepIndex:   index,
					ForwardOnly: forwardOnly,
					ActorName:   viper.GetString("author"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "step index")
	_ = cmd.MarkFlagRequired("index")
	return cmd
}

func stepToggleCmd() *cobra.Command {
	return stepAdvanceCmd("toggle <case-id>", "Toggle a step under the case policy", false)
}

func stepCompleteCmd() *cobra.Command {
	return stepAdvanceCmd("complete <case-id>", "Complete a step without ever undoing", true)
}

func docsCmd() *cobra.Command {
	c := &cobra.Command{Use: "docs", Short: "Manage case documents"}
	c.AddCommand(docsPendingCmd())
	c.AddCommand(docsListCmd())
	c.AddCommand(docsUploadCmd())
	c.AddCommand(docsRmCmd())
	return c
}

func docsPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending <case-id>",
		Short: "Show the missing-document checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.PendingDocuments(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Group", "Key", "Label", "Mandatory"})
				for _, g := range report.Groups {
					for _, d := range g.Docs {
						mandatory := ""
						if d.Mandatory {
							mandatory = "yes"
						}
						tw.AppendRow(table.Row{g.Group, d.Key, d.Label, mandatory})
					}
				}
				tw.Render()
				fmt.Printf("%d of %d documents pending (%d%% complete)\n",
					report.TotalMissing, report.TotalRequired, report.PercentComplete)
				return nil
			})
		},
	}
	return cmd
}

func docsListCmd() *cobra.Command {
	var fieldName string
	cmd := &cobra.Command{
		Use:   "list <case-id>",
		Short: "List uploaded documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDocuments(ctx, args[0], fieldName)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Field", "Name", "Size", "Uploaded"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.FieldName, d.DisplayName, d.Size, d.UploadedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&fieldName, "field", "", "requirement key filter")
	return cmd
}

func docsUploadCmd() *cobra.Command {
	var fieldName string
	cmd := &cobra.Command{
		Use:   "upload <case-id> <file>",
		Short: "Store a file against a requirement key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				res, err := store.Save(args[0], fieldName, filepath.Base(args[1]), f)
				if err != nil {
					return err
				}
				doc, err := e.RegisterDocument(ctx, engine.DocumentRegisterOptions{
					CaseID:      args[0],
					FieldName:   fieldName,
					DisplayName: filepath.Base(args[1]),
					StoragePath: res.StoragePath,
					Size:        res.Size,
					Checksum:    res.Checksum,
					ActorName:   viper.GetString("author"),
				})
				if err != nil {
					_ = store.Delete(res.StoragePath)
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	cmd.Flags().StringVar(&fieldName, "field", "", "requirement key this file satisfies")
	_ = cmd.MarkFlagRequired("field")
	return cmd
}

func docsRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <document-id>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.DeleteDocument(ctx, args[0], viper.GetString("author"))
				if err != nil {
					return err
				}
				store, err := openStore()
				if err != nil {
					return err
				}
				return store.Delete(doc.StoragePath)
			})
		},
	}
	return cmd
}

func noteCmd() *cobra.Command {
	c := &cobra.Command{Use: "note", Short: "Case journal"}
	c.AddCommand(noteAddCmd())
	c.AddCommand(noteListCmd())
	c.AddCommand(noteRmCmd())
	return c
}

func noteAddCmd() *cobra.Command {
	var stepID int
	cmd := &cobra.Command{
		Use:   "add <case-id> <content>",
		Short: "Append a note",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, ok, err := e.AddNote(ctx, engine.NoteCreateOptions{
					CaseID:     args[0],
					StepID:     stepID,
					Content:    args[1],
					AuthorName: viper.GetString("author"),
				})
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("empty note skipped")
					return nil
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().IntVar(&stepID, "step", 0, "step index the note belongs to")
	return cmd
}

func noteListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <case-id>",
		Short: "List notes in insertion order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListNotes(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Step", "Author", "Role", "Content", "Created"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.StepID, n.AuthorName, n.AuthorRole, n.Content, n.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func noteRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <case-id> <note-id>",
		Short: "Remove a note (unknown ids are a no-op)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveNote(ctx, args[0], args[1], viper.GetString("author"))
			})
		},
	}
	return cmd
}

func assignCmd() *cobra.Command {
	c := &cobra.Command{Use: "assign", Short: "Step assignments"}
	c.AddCommand(assignAddCmd())
	c.AddCommand(assignListCmd())
	return c
}

func assignAddCmd() *cobra.Command {
	var stepIndex int
	var assignee, dueDate string
	cmd := &cobra.Command{
		Use:   "add <case-id>",
		Short: "Assign a step to someone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAssignment(ctx, engine.AssignmentCreateOptions{
					CaseID:    args[0],
					StepIndex: stepIndex,
					Assignee:  assignee,
					DueDate:   optionalString(dueDate),
					ActorName: viper.GetString("author"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().IntVar(&stepIndex, "index", 0, "step index")
	cmd.Flags().StringVar(&assignee, "to", "", "assignee name")
	cmd.Flags().StringVar(&dueDate, "due", "", "due date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func assignListCmd() *cobra.Command {
	var caseID, assignee string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAssignments(ctx, repo.AssignmentFilters{
					CaseID:   caseID,
					Assignee: assignee,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Case", "Step", "Assignee", "Due"})
				for _, a := range items {
					due := ""
					if a.DueDate != nil {
						due = *a.DueDate
					}
					tw.AppendRow(table.Row{a.ID, a.CaseID, a.StepIndex, a.Assignee, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id filter")
	cmd.Flags().StringVar(&assignee, "to", "", "assignee filter")
	return cmd
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Office event log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, caseID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, caseID, evtType, "", "")
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&caseID, "case", "", "case id filter")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Office configuration"}
	c.AddCommand(configShowCmd())
	c.AddCommand(configInitCmd())
	c.AddCommand(configImportCmd())
	return c
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default caseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			office := viper.GetString("office")
			if office == "" {
				office = "default-office"
			}
			data := config.GenerateDefault(office)
			if out == "" {
				fmt.Print(data)
				return nil
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}
			if err := os.WriteFile(out, []byte(data), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "caseline.yml", "output path (empty prints to stdout)")
	return cmd
}

func configImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Load a caseline.yml into the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertOfficeConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Printf("imported configuration for office %s\n", cfg.Office.ID)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveOfficeConfig(cmd.Context(), viper.GetString("config"), viper.GetString("office"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			store, err := openStore()
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Store:    store,
				BasePath: basePath,
				Identity: server.IdentityConfig{JWTSecret: os.Getenv("CASELINE_JWT_SECRET")},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Caseline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveOfficeConfig(ctx, viper.GetString("config"), viper.GetString("office"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func openStore() (*storage.FileStore, error) {
	workspace := viper.GetString("workspace")
	return storage.New(filepath.Join(workspace, ".caseline", "files"))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
