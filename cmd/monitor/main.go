package main

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"
)

type options struct {
	addr            string
	interval        time.Duration
	embedded        bool
	orchestratorBin string
	dbPath          string
	configPath      string
}

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "monitor",
		Short:        "Terminal dashboard for a running orchestrator",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "http://localhost:8091", "orchestrator base URL")
	cmd.Flags().DurationVar(&opts.interval, "interval", 2*time.Second, "refresh interval")
	cmd.Flags().BoolVar(&opts.embedded, "embedded", false, "start an orchestrator for the lifetime of the monitor")
	cmd.Flags().StringVar(&opts.orchestratorBin, "orchestrator-bin", "", "path to orchestrator binary (embedded mode)")
	cmd.Flags().StringVar(&opts.dbPath, "db", "data/embedded.db", "sqlite db path for the embedded orchestrator")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "config.toml for the embedded orchestrator")
	return cmd
}

func run(opts options) error {
	c := newClient(opts.addr)

	if opts.embedded {
		proc, err := startEmbeddedOrchestrator(opts)
		if err != nil {
			return fmt.Errorf("start embedded orchestrator: %w", err)
		}
		defer proc.Stop()
	}
	if err := c.waitHealth(30 * time.Second); err != nil {
		return fmt.Errorf("orchestrator health check failed: %w", err)
	}

	app := tview.NewApplication()
	workersTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	workersTable.SetTitle("Workers (F5 refresh, F10 quit)").SetBorder(true)

	runView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	runView.SetTitle("Run").SetBorder(true)

	artifactView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	artifactView.SetTitle("Artifact").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Events").SetBorder(true)

	historyView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	historyView.SetTitle("History").SetBorder(true)

	personaView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	personaView.SetTitle("Persona").SetBorder(true)

	commandInput := tview.NewInputField().
		SetLabel("Command: ")
	commandInput.SetBorder(true).SetTitle("Enter = send (start <template> [artifact], pause, resume, stop, step, bind <slot> <worker>...)")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, F2 pause, F3 resume, F4 stop, Ctrl+L command, Ctrl+W workers",
		c.baseURL,
		opts.embedded,
	))

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(workersTable, 0, 2, false).
		AddItem(personaView, 8, 0, false).
		AddItem(historyView, 0, 1, false)
	middle := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(runView, 0, 1, false).
		AddItem(artifactView, 0, 2, false)
	mainLayout := tview.NewFlex().
		AddItem(left, 0, 1, false).
		AddItem(middle, 0, 2, false).
		AddItem(eventsView, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(commandInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var refreshMu sync.Mutex
	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refresh := func() {
		refreshMu.Lock()
		defer refreshMu.Unlock()
		state, err := c.state()
		if err != nil {
			setStatusAsync("[red]state load error:[-] " + err.Error())
			return
		}
		personaState, personaErr := c.persona()
		now := time.Now()
		app.QueueUpdateDraw(func() {
			renderWorkersTable(workersTable, state.Workers, now)
			runView.SetText(renderRun(state))
			artifactView.SetText(renderArtifact(state))
			eventsView.SetText(renderEvents(state.Events, 200))
			historyView.SetText(renderHistory(state.RunsHistory, 50))
			if personaErr != nil {
				personaView.SetText(fmt.Sprintf("error: %v", personaErr))
			} else {
				personaView.SetText(renderPersona(personaState))
			}
		})
	}

	send := func(line string) {
		req, err := parseCommand(line)
		if err != nil {
			setStatusUI("[red]" + err.Error() + "[-]")
			return
		}
		setStatusUI(fmt.Sprintf("%s %s ...", req.method, req.path))
		go func() {
			if err := c.send(req.method, req.path, req.body); err != nil {
				setStatusAsync("[red]failed:[-] " + err.Error())
				return
			}
			refresh()
			setStatusAsync(fmt.Sprintf("ok: %s %s", req.method, req.path))
		}()
	}

	commandInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		line := strings.TrimSpace(commandInput.GetText())
		if line == "" {
			return
		}
		commandInput.SetText("")
		send(line)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			setStatusUI("Refreshing...")
			return nil
		case tcell.KeyF2:
			send("pause")
			return nil
		case tcell.KeyF3:
			send("resume")
			return nil
		case tcell.KeyF4:
			send("stop")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(commandInput)
			setStatusUI("Focus -> command")
			return nil
		case tcell.KeyCtrlW:
			app.SetFocus(workersTable)
			setStatusUI("Focus -> workers")
			return nil
		case tcell.KeyEscape:
			app.SetFocus(workersTable)
			return nil
		}
		if event.Key() == tcell.KeyRune && app.GetFocus() != commandInput {
			app.SetFocus(commandInput)
		}
		return event
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		refresh()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(commandInput).Run(); err != nil {
		return fmt.Errorf("monitor failed: %w", err)
	}
	return nil
}

func startEmbeddedOrchestrator(opts options) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(opts.addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", opts.addr)
	}
	args := []string{"--addr", ":" + port, "--db", opts.dbPath}
	if opts.configPath != "" {
		args = append(args, "--config", opts.configPath)
	}

	if err := os.MkdirAll(filepath.Dir(opts.dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(opts.orchestratorBin) != "" {
		cmd = exec.Command(opts.orchestratorBin, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			for _, name := range []string{"orchestrator", "orchestrator.exe"} {
				sibling := filepath.Join(filepath.Dir(self), name)
				if fileExists(sibling) {
					cmd = exec.Command(sibling, args...)
					break
				}
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
