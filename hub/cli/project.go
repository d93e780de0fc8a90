package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/amurg-ai/remotectl/hub/auth"
	"github.com/amurg-ai/remotectl/hub/config"
	"github.com/amurg-ai/remotectl/hub/store"
	"github.com/amurg-ai/remotectl/hub/wizard"
)

func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects and controller API keys directly in the database",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a project and print its controller API key",
		Args:  cobra.ExactArgs(1),
		RunE:  runProjectCreate,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects and controller presence",
		Args:  cobra.NoArgs,
		RunE:  runProjectList,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate-key <project-id>",
		Short: "Replace a project's controller API key",
		Args:  cobra.ExactArgs(1),
		RunE:  runProjectRotateKey,
	})
	return cmd
}

func openStore(cmd *cobra.Command) (store.Store, error) {
	cfg, err := config.Load(resolveConfigPath(cmd, nil, wizard.DefaultOutput))
	if err != nil {
		return nil, err
	}
	return store.Open(cmd.Context(), cfg.Storage)
}

func runProjectCreate(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(args[0])
	if name == "" {
		return fmt.Errorf("project name is required")
	}
	db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	key, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	p := &store.Project{
		ID:           uuid.NewString(),
		Name:         name,
		APIKeyHash:   auth.HashAPIKey(key),
		APIKeyPrefix: prefix,
		CreatedAt:    time.Now().UTC(),
	}
	ctx := cmdContext(cmd)
	if err := db.CreateProject(ctx, p); err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	logCLIAudit(ctx, db, p.ID, store.AuditProjectCreated, map[string]string{"name": name})

	printKey(cmd.OutOrStdout(), p, key)
	return nil
}

func runProjectList(cmd *cobra.Command, _ []string) error {
	db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx := cmdContext(cmd)
	projects, err := db.ListProjects(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(projects) == 0 {
		_, _ = fmt.Fprintln(out, "No projects. Create one with: remotectl-hub project create <name>")
		return nil
	}

	green := color.New(color.FgGreen)
	muted := color.New(color.FgHiBlack)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tKEY\tCONTROLLER\tLAST SEEN")
	for _, p := range projects {
		state := muted.Sprint("offline")
		if p.ControllerConnected {
			state = green.Sprint("connected")
		}
		lastSeen := "-"
		if p.LastSeen != nil {
			lastSeen = p.LastSeen.Local().Format(time.DateTime)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s…\t%s\t%s\n", p.ID, p.Name, p.APIKeyPrefix, state, lastSeen)
	}
	return tw.Flush()
}

func runProjectRotateKey(cmd *cobra.Command, args []string) error {
	db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx := cmdContext(cmd)
	p, err := db.GetProject(ctx, args[0])
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("project %s not found", args[0])
	}

	key, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	if err := db.SetProjectAPIKeyHash(ctx, p.ID, auth.HashAPIKey(key), prefix); err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}
	p.APIKeyPrefix = prefix
	logCLIAudit(ctx, db, p.ID, store.AuditProjectKeyRotated, nil)

	printKey(cmd.OutOrStdout(), p, key)
	if p.ControllerConnected {
		_, _ = color.New(color.FgYellow).Fprintln(cmd.OutOrStdout(),
			"A controller is connected with the old key; it keeps its session until it reconnects.")
	}
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printKey(w io.Writer, p *store.Project, key string) {
	cyan := color.New(color.FgCyan)
	_, _ = fmt.Fprintf(w, "Project:  %s (%s)\n", p.Name, p.ID)
	_, _ = fmt.Fprint(w, "API key:  ")
	_, _ = cyan.Fprintln(w, key)
	_, _ = fmt.Fprintln(w, "The key is shown once. Set it as REMOTECTL_API_KEY on the controller machine.")
}

func logCLIAudit(ctx context.Context, db store.Store, projectID, action string, detail any) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	_ = db.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Action:    action,
		Actor:     "cli",
		Detail:    raw,
	})
}
