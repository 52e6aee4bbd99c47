package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/sessions"
	"github.com/uriafranko/clawdbot/internal/store"
)

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			agentID := cfg.ResolvedAgentID()
			st, err := store.Open(cfg.SessionSection().Store, config.SessionsDir(agentID))
			if err != nil {
				return err
			}
			defer st.Close()

			all, err := st.List()
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Println("No sessions.")
				return nil
			}
			printSessionsTable(all)
			return nil
		},
	}
}

// sessionRow is one line of the sessions table, pre-rendered to strings.
type sessionRow struct {
	key, model, think, tokens, updated string
	updatedAt                          int64
}

func printSessionsTable(all map[string]sessions.Session) {
	rows := make([]sessionRow, 0, len(all))
	for key, sess := range all {
		model := sess.ModelOverride
		if model == "" && sess.LastModel != nil {
			model = sess.LastModel.Provider + "/" + sess.LastModel.ModelID
		}
		rows = append(rows, sessionRow{
			key:       key,
			model:     model,
			think:     sess.ThinkingLevel,
			tokens:    fmt.Sprintf("%d/%d", sess.Tokens.Input, sess.Tokens.Output),
			updated:   time.UnixMilli(sess.UpdatedAt).Format("2006-01-02 15:04"),
			updatedAt: sess.UpdatedAt,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].updatedAt != rows[j].updatedAt {
			return rows[i].updatedAt > rows[j].updatedAt
		}
		return rows[i].key < rows[j].key
	})

	cells := make([][]string, len(rows))
	for i, r := range rows {
		cells[i] = []string{r.key, r.model, r.think, r.tokens, r.updated}
	}
	// Session keys and model refs can get long; the caps keep the table
	// readable on a normal terminal.
	renderTable(
		[]string{"SESSION", "MODEL", "THINK", "TOKENS IN/OUT", "UPDATED"},
		cells,
		[]int{48, 36, 8, 16, 16},
	)
}

// renderTable prints a runewidth-aligned table. Column widths grow to the
// widest cell but never past the matching cap; wider cells are truncated
// with an ellipsis.
func renderTable(headers []string, rows [][]string, caps []int) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for j, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[j] {
				widths[j] = w
			}
		}
	}
	for j, max := range caps {
		if widths[j] > max {
			widths[j] = max
		}
	}

	printTableRow(headers, widths)
	for _, row := range rows {
		printTableRow(row, widths)
	}
}

func printTableRow(cells []string, widths []int) {
	for j, cell := range cells {
		cell = runewidth.Truncate(cell, widths[j], "…")
		fmt.Print(runewidth.FillRight(cell, widths[j]))
		if j < len(cells)-1 {
			fmt.Print("  ")
		}
	}
	fmt.Println()
}

func resetCmd() *cobra.Command {
	var sessionKey string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset a session to a fresh transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			agentID := cfg.ResolvedAgentID()
			if sessionKey == "" {
				sessionKey = sessions.MainKey(agentID, cfg.SessionSection().MainKey)
			}

			st, err := store.Open(cfg.SessionSection().Store, config.SessionsDir(agentID))
			if err != nil {
				return err
			}
			defer st.Close()

			sess, err := st.Reset(sessionKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Session %s reset (id %s).\n", sessionKey, sess.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session key (default: the main session)")
	return cmd
}
