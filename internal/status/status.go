// Package status holds the in-memory status mirror of every action and
// renders it for the `knotify status` command.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/msageha/knotify/internal/model"
	"github.com/msageha/knotify/internal/store"
	"github.com/msageha/knotify/internal/uds"
)

type Report struct {
	Daemon      DaemonStatus       `json:"daemon"`
	Actions     []uds.ActionStatus `json:"actions,omitempty"`
	Checkpoints []Checkpoint       `json:"checkpoints,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
}

// Checkpoint is a durable store entry, shown when the daemon is stopped.
type Checkpoint struct {
	ActionID int       `json:"action_id"`
	Status   string    `json:"status"`
	ResumeAt time.Time `json:"resume_at"`
}

// Run queries the daemon for the mirror and prints it. When the daemon is not
// running, the persisted checkpoints are shown instead; recovery will settle
// them on the next start.
func Run(dir string, cfg model.Config, actionID int, jsonOutput bool, w io.Writer) error {
	report := Report{}

	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	client.SetTimeout(3 * time.Second)

	var result uds.StatusResult
	if err := client.Call(uds.CommandStatus, uds.StatusParams{ActionID: actionID}, &result); err == nil {
		report.Daemon.Running = true
		report.Actions = result.Actions
	} else if _, isDetail := err.(*uds.ErrorDetail); isDetail {
		return err
	} else {
		checkpoints, cerr := readCheckpoints(dir, cfg, actionID)
		if cerr != nil {
			return cerr
		}
		report.Checkpoints = checkpoints
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(w, report)
	return nil
}

func readCheckpoints(dir string, cfg model.Config, actionID int) ([]Checkpoint, error) {
	st, err := store.Open(cfg.Store, dir)
	if err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}
	defer st.Close()

	entries, err := st.List()
	if err != nil {
		return nil, fmt.Errorf("list status store: %w", err)
	}
	var out []Checkpoint
	for _, e := range entries {
		if actionID != 0 && e.ActionID != actionID {
			continue
		}
		out = append(out, Checkpoint{ActionID: e.ActionID, Status: string(e.Status), ResumeAt: e.ResumeAt})
	}
	return out, nil
}

func printReport(w io.Writer, r Report) {
	if !r.Daemon.Running {
		fmt.Fprintln(w, "Daemon: stopped")
		if len(r.Checkpoints) == 0 {
			fmt.Fprintln(w, "\nCheckpoints: none")
			return
		}
		fmt.Fprintln(w, "\nCheckpoints:")
		fmt.Fprintf(w, "  %-6s  %-10s  %s\n", "ID", "STATUS", "RESUME_AT")
		for _, c := range r.Checkpoints {
			fmt.Fprintf(w, "  %-6d  %-10s  %s\n", c.ActionID, c.Status, c.ResumeAt.Local().Format(time.RFC3339))
		}
		return
	}

	fmt.Fprintln(w, "Daemon: running")
	if len(r.Actions) == 0 {
		fmt.Fprintln(w, "\nActions: none")
		return
	}
	fmt.Fprintln(w, "\nActions:")
	fmt.Fprintf(w, "  %-6s  %-20s  %s\n", "ID", "NAME", "STATUS")
	for _, a := range r.Actions {
		fmt.Fprintf(w, "  %-6d  %-20s  %s\n", a.ActionID, a.Name, a.Status)
	}
}
