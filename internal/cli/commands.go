package cli

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/visp-platform/session-broker/pkg/models"
)

var createKind string
var commitMessage string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		var sessions []models.Session
		if err := newClient().do("GET", "/v1/sessions", nil, &sessions); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TOKEN\tWORKSPACE\tKIND\tSTATE\tAGE")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.Token, s.WorkspaceRef, s.Kind, s.State,
				time.Since(s.CreatedAt).Round(time.Second))
		}
		return w.Flush()
	},
}

var createCmd = &cobra.Command{
	Use:   "create <workspaceRef>",
	Short: "Create (or fetch the existing) session for a workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := models.CreateSessionRequest{
			WorkspaceRef: args[0],
			Kind:         models.SessionKind(createKind),
		}
		var sess models.Session
		if err := newClient().do("POST", "/v1/sessions", req, &sess); err != nil {
			return err
		}
		fmt.Printf("token: %s\nstate: %s\n", sess.Token, sess.State)
		return nil
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit <token>",
	Short: "Commit and push a session's workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := models.CommitRequest{Message: commitMessage}
		path := "/v1/sessions/" + url.PathEscape(args[0]) + "/commit"
		if err := newClient().do("POST", path, req, nil); err != nil {
			return err
		}
		fmt.Println("committed")
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <token>",
	Short: "Terminate a session and remove its container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/sessions/" + url.PathEscape(args[0])
		if err := newClient().do("DELETE", path, nil, nil); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show broker session counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		var status models.StatusResponse
		if err := newClient().do("GET", "/v1/status", nil, &status); err != nil {
			return err
		}

		fmt.Printf("total sessions: %d\n", status.Total)
		for _, state := range []models.SessionState{
			models.StateProvisioning, models.StateActive,
			models.StateCommitting, models.StateTerminating,
		} {
			if n := status.Sessions[state]; n > 0 {
				fmt.Printf("  %-13s %d\n", state, n)
			}
		}
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createKind, "kind", string(models.KindOperations),
		"session kind: operations, rstudio, jupyter, or editor")
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "commit message")
}
