package displayer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"obdagent/internal/connection"
	"obdagent/internal/obd"
)

// Source is the connection side of the console. connection.Manager
// implements it.
type Source interface {
	Snapshot() connection.Snapshot
	AddSnapshotListener(fn func(connection.Snapshot)) func()
	ReadDtc(ctx context.Context) ([]obd.DtcEntry, error)
}

// LiveSource provides the latest polled readings keyed by pid.
type LiveSource interface {
	Latest() map[string]obd.PidValue
}

// Displayer is the operator console: connection state, live data and the
// stored trouble codes.
type Displayer struct {
	app    *tview.Application
	tabs   *tview.Pages
	source Source
	live   LiveSource
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	dtcs    []obd.DtcEntry
	dtcErr  error
	refresh time.Duration

	// UI elements cached for updates
	statusText *tview.TextView
	helpText   *tview.TextView
	liveTable  *tview.Table
	dtcTable   *tview.Table
	connText   *tview.TextView
}

func New(source Source, live LiveSource, logger *zap.Logger) *Displayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Displayer{
		app:     tview.NewApplication(),
		tabs:    tview.NewPages(),
		source:  source,
		live:    live,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		refresh: 2 * time.Second,
	}
}

// Run blocks until the operator quits or ctx ends.
func (d *Displayer) Run(ctx context.Context) error {
	title := tview.NewTextView().SetTextAlign(tview.AlignCenter).SetText("obdagent - OBD-II adapter console")
	d.statusText = tview.NewTextView().SetTextAlign(tview.AlignCenter).SetDynamicColors(true)
	d.helpText = tview.NewTextView().SetTextAlign(tview.AlignCenter).
		SetText("[1 - Live data] [2 - DTC] [3 - Connection] [r - Read DTC] [q - Quit]")

	header := tview.NewFlex().SetDirection(tview.FlexRow)
	header.AddItem(title, 1, 0, false)
	header.AddItem(d.statusText, 1, 0, false)
	header.AddItem(d.helpText, 1, 0, false)

	d.liveTable = newTable("Pid", "Name", "Value", "Unit")
	d.dtcTable = newTable("Code", "Category", "Description")
	d.connText = tview.NewTextView().SetDynamicColors(true)

	d.tabs.AddPage("live", d.liveTable, true, true)
	d.tabs.AddPage("dtc", d.dtcTable, true, false)
	d.tabs.AddPage("connection", d.connText, true, false)

	main := tview.NewFlex().SetDirection(tview.FlexRow)
	main.AddItem(header, 3, 0, false)
	main.AddItem(d.tabs, 0, 1, true)

	d.app.SetRoot(main, true)
	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'q', 'Q':
			d.Shutdown()
			return nil
		case '1':
			d.tabs.SwitchToPage("live")
			return nil
		case '2':
			d.tabs.SwitchToPage("dtc")
			return nil
		case '3':
			d.tabs.SwitchToPage("connection")
			return nil
		case 'r', 'R':
			go d.readDtc()
			return nil
		}
		return event
	})

	d.app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		d.updateValues()
		return false
	})

	unsub := d.source.AddSnapshotListener(func(connection.Snapshot) {
		d.app.QueueUpdateDraw(func() {})
	})
	defer unsub()

	go func() {
		select {
		case <-ctx.Done():
			d.Shutdown()
		case <-d.ctx.Done():
		}
	}()
	go d.refreshLoop()
	go d.readDtc()

	return d.app.Run()
}

func (d *Displayer) Shutdown() {
	d.cancel()
	d.app.Stop()
}

func newTable(headers ...string) *tview.Table {
	tbl := tview.NewTable().SetBorders(true)
	for i, h := range headers {
		tbl.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAlign(tview.AlignCenter))
	}
	return tbl
}

func fillTable(tbl *tview.Table, rows [][]string) {
	for r := tbl.GetRowCount() - 1; r >= 1; r-- {
		tbl.RemoveRow(r)
	}
	for i, row := range rows {
		for j, cell := range row {
			tbl.SetCell(i+1, j, tview.NewTableCell(cell))
		}
	}
}

func (d *Displayer) readDtc() {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()
	dtcs, err := d.source.ReadDtc(ctx)
	if err != nil {
		d.logger.Debug("Console DTC read failed", zap.Error(err))
	}

	d.mu.Lock()
	d.dtcErr = err
	if err == nil {
		d.dtcs = dtcs
	}
	d.mu.Unlock()
	d.app.QueueUpdateDraw(func() {})
}

// updateValues runs on the UI goroutine before every draw.
func (d *Displayer) updateValues() {
	snap := d.source.Snapshot()
	d.statusText.SetText(StatusLine(snap))
	d.connText.SetText(ConnectionDetails(snap))

	if d.live != nil {
		fillTable(d.liveTable, LiveRows(d.live.Latest()))
	}

	d.mu.Lock()
	dtcs, dtcErr := d.dtcs, d.dtcErr
	d.mu.Unlock()
	rows := DtcRows(dtcs)
	if dtcErr != nil {
		rows = append(rows, []string{"-", "-", "[red]" + obd.Normalize(dtcErr, nil).UserMessage + "[white]"})
	}
	fillTable(d.dtcTable, rows)
}

func (d *Displayer) refreshLoop() {
	ticker := time.NewTicker(d.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			// force redraw (BeforeDraw handles every page)
			d.app.QueueUpdateDraw(func() {})
		}
	}
}

// StatusLine is the one-line header for a snapshot.
func StatusLine(s connection.Snapshot) string {
	var state string
	switch s.State {
	case connection.StateConnected:
		state = "[green]connected[white]"
	case connection.StateConnecting:
		state = "[yellow]connecting[white]"
	default:
		state = "[red]disconnected[white]"
	}
	parts := []string{"Status: " + state}
	if s.Port != "" {
		parts = append(parts, "Port: "+s.Port)
	}
	if s.Protocol != "" {
		parts = append(parts, "Protocol: "+s.Protocol)
	}
	if s.State != connection.StateConnected && s.ReconnectAttempts > 0 {
		parts = append(parts, fmt.Sprintf("Reconnect #%d", s.ReconnectAttempts))
	}
	return strings.Join(parts, "  ")
}

// ConnectionDetails renders the connection page.
func ConnectionDetails(s connection.Snapshot) string {
	var b strings.Builder
	line := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%-20s %s\n", k+":", v)
		}
	}
	line("State", string(s.State))
	line("Adapter status", s.AdapterStatus)
	line("Transport", string(s.Transport))
	line("Port", s.Port)
	line("Identity", s.Identity)
	line("Protocol", s.Protocol)
	if s.LastConnectedAt != nil {
		line("Connected at", s.LastConnectedAt.Format(time.RFC3339))
	}
	line("Last error", s.LastError)
	if s.LastFailureAt != nil {
		line("Failed at", s.LastFailureAt.Format(time.RFC3339))
	}
	line("Reconnect attempts", fmt.Sprint(s.ReconnectAttempts))
	if m := s.Metrics; m != nil {
		line("Commands", fmt.Sprintf("%d total, %d ok, %d failed, %d timeouts",
			m.TotalCommands, m.SuccessfulCommands, m.FailedCommands, m.Timeouts))
		line("Average latency", fmt.Sprintf("%.1f ms", m.AverageLatencyMs))
		line("Last command", m.LastCommand)
	}
	return b.String()
}

// LiveRows sorts readings by pid.
func LiveRows(values map[string]obd.PidValue) [][]string {
	pids := make([]string, 0, len(values))
	for pid := range values {
		pids = append(pids, pid)
	}
	sort.Strings(pids)

	rows := make([][]string, 0, len(pids))
	for _, pid := range pids {
		v := values[pid]
		rows = append(rows, []string{pid, v.Name, formatValue(v.Value), v.Unit})
	}
	return rows
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

func DtcRows(dtcs []obd.DtcEntry) [][]string {
	if len(dtcs) == 0 {
		return [][]string{{"-", "-", "No trouble codes"}}
	}
	rows := make([][]string, 0, len(dtcs))
	for _, e := range dtcs {
		rows = append(rows, []string{e.Code, string(e.Category()), e.Description})
	}
	return rows
}
