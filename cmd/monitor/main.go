package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"mastery_cards/internal/orchestrator"
)

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

type options struct {
	addr               string
	interval           time.Duration
	embedded           bool
	orchestratorBinary string
	configPath         string
}

func main() {
	if err := newRootCommand(run).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "monitor:", err)
		os.Exit(1)
	}
}

func newRootCommand(runFn func(options) error) *cobra.Command {
	var opts options
	root := &cobra.Command{
		Use:           "monitor",
		Short:         "Terminal dashboard for orchestrator sessions and evaluations",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runFn(opts)
		},
	}
	root.Flags().StringVar(&opts.addr, "addr", "http://127.0.0.1:8787", "orchestrator base URL")
	root.Flags().DurationVar(&opts.interval, "interval", 2*time.Second, "refresh interval")
	root.Flags().BoolVar(&opts.embedded, "embedded", false, "start an orchestrator for the lifetime of the monitor")
	root.Flags().StringVar(&opts.orchestratorBinary, "orchestrator-bin", "", "path to orchestrator binary (optional in embedded mode)")
	root.Flags().StringVar(&opts.configPath, "config", "", "config.toml passed to the embedded orchestrator")
	return root
}

func run(opts options) error {
	if opts.interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", opts.interval)
	}
	c := newClient(opts.addr)

	if opts.embedded {
		embeddedProc, err := startEmbeddedOrchestrator(opts.addr, opts.orchestratorBinary, opts.configPath)
		if err != nil {
			return fmt.Errorf("start embedded orchestrator: %w", err)
		}
		defer embeddedProc.Stop()
	}

	if err := c.waitHealth(30 * time.Second); err != nil {
		return fmt.Errorf("orchestrator health check failed: %w", err)
	}

	app := tview.NewApplication()
	sessionsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	sessionsTable.SetTitle("Sessions (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	transcriptView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	transcriptView.SetTitle("Transcript").SetBorder(true)

	evaluationsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	evaluationsView.SetTitle("Evaluations").SetBorder(true)

	cardView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	cardView.SetTitle("Card").SetBorder(true)

	filterInput := tview.NewInputField().
		SetLabel("Filter sessions: ")
	filterInput.SetBorder(true).SetTitle("Enter = apply")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus filter, Ctrl+T focus sessions",
		c.baseURL,
		opts.embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(cardView, 7, 0, false).
		AddItem(transcriptView, 0, 3, false).
		AddItem(evaluationsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(sessionsTable, 0, 1, true).
		AddItem(right, 0, 2, false)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, true).
		AddItem(filterInput, 3, 0, false).
		AddItem(statusView, 3, 0, false)

	var selectedID string
	var filter string
	var lastSessions []orchestrator.SessionSummary
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}

	refreshSessions := func() {
		sessions, err := c.listSessions()
		if err != nil {
			app.QueueUpdateDraw(func() {
				sessionsTable.Clear()
				sessionsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sessions = filterSessions(sessions, filter)
		lastSessions = sessions
		app.QueueUpdateDraw(func() {
			renderSessionsTable(sessionsTable, sessions, selectedID)
		})
	}

	refreshDetailsAsync := func(sessionID string) {
		if strings.TrimSpace(sessionID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(selected string, v uint64) {
			state, stateErr := c.getSession(selected)
			evals, evalErr := c.listEvaluations(selected, 50)

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedID {
					return
				}
				if stateErr != nil {
					transcriptView.SetText(fmt.Sprintf("error: %v", stateErr))
					cardView.SetText("")
				} else {
					cardView.SetText(renderCard(state.CurrentCard))
					transcriptView.SetText(renderTranscript(state.Transcript))
					transcriptView.ScrollToEnd()
				}
				if evalErr != nil {
					evaluationsView.SetText(fmt.Sprintf("error: %v", evalErr))
				} else {
					evaluationsView.SetText(renderEvaluations(evals))
				}
			})
		}(sessionID, version)
	}

	filterInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		filter = strings.TrimSpace(filterInput.GetText())
		setStatusUI("Filter: " + firstNonEmpty(filter, "(none)"))
		app.SetFocus(sessionsTable)
		go refreshSessions()
	})

	sessionsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastSessions) {
			return
		}
		selectedID = lastSessions[row-1].SessionID
		setStatusUI("Session " + selectedID)
		refreshDetailsAsync(selectedID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == filterInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(sessionsTable)
				setStatusUI("Focus -> sessions")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refreshSessions()
				refreshDetailsAsync(selectedID)
			}()
			setStatusUI("Manual refresh")
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(filterInput)
			setStatusUI("Focus -> filter")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(sessionsTable)
			setStatusUI("Focus -> sessions")
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()

		refreshSessions()
		for _, s := range lastSessions {
			if s.Active {
				selectedID = s.SessionID
				break
			}
		}
		refreshDetailsAsync(selectedID)

		for range ticker.C {
			refreshSessions()
			if selectedID == "" && len(lastSessions) > 0 {
				selectedID = lastSessions[0].SessionID
			}
			refreshDetailsAsync(selectedID)
		}
	}()

	return app.SetRoot(layout, true).EnableMouse(true).SetFocus(sessionsTable).Run()
}

func startEmbeddedOrchestrator(addr, orchestratorBinary, configPath string) (*embeddedOrchestrator, error) {
	listen, err := listenAddr(addr)
	if err != nil {
		return nil, err
	}
	args := []string{"--addr", listen}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(orchestratorBinary) != "" {
		cmd = exec.Command(orchestratorBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "orchestrator")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/orchestrator"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}
	return &embeddedOrchestrator{cmd: cmd}, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
