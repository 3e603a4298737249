// ui.go
package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jroimartin/gocui"
	"github.com/mattn/go-runewidth"

	"lanchat/internal/client"
	"lanchat/internal/history"
	"lanchat/internal/protocol"
)

const (
	historySize  = 500
	sidebarWidth = 24
)

type roomStatus struct {
	room string
	host string
	name string
}

type ChatUI struct {
	gui       *gocui.Gui
	session   *client.Session
	status    roomStatus
	history   *history.Ring
	msgView   string
	inputView string
	roomView  string

	// lines received on the listener goroutine, waiting for the UI goroutine
	mu      sync.Mutex
	pending []string
	gone    bool
}

func NewChatUI(session *client.Session, status roomStatus) (*ChatUI, error) {
	ring, err := history.NewRing(historySize)
	if err != nil {
		return nil, err
	}
	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return nil, err
	}

	ui := &ChatUI{
		gui:       g,
		session:   session,
		status:    status,
		history:   ring,
		msgView:   "messages",
		inputView: "input",
		roomView:  "room",
	}

	g.SetManagerFunc(ui.layout)
	session.On(client.EventMessage, func(action protocol.Action, source, text string) {
		ui.post(formatPacket(action, source, text)...)
	})
	session.On(client.EventDisconnect, func(reason string) {
		ui.mu.Lock()
		ui.gone = true
		ui.mu.Unlock()
		ui.post("*** "+reason, "*** Press Ctrl-C to exit.")
	})
	return ui, nil
}

// formatPacket renders one inbound packet as display lines.
func formatPacket(action protocol.Action, source, text string) []string {
	prefix := fmt.Sprintf("[%s] ", source)
	if action == protocol.ActionError {
		prefix += "! "
	}
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		lines = append(lines, prefix+l)
	}
	return lines
}

func (ui *ChatUI) post(lines ...string) {
	ui.mu.Lock()
	ui.pending = append(ui.pending, lines...)
	ui.mu.Unlock()
	ui.gui.Update(ui.flush)
}

// flush moves pending lines into the history; it runs on the UI goroutine.
func (ui *ChatUI) flush(g *gocui.Gui) error {
	ui.mu.Lock()
	lines := ui.pending
	ui.pending = nil
	ui.mu.Unlock()
	for _, l := range lines {
		ui.history.Push(l)
	}
	return ui.renderMessages(g)
}

func (ui *ChatUI) renderMessages(g *gocui.Gui) error {
	v, err := g.View(ui.msgView)
	if err != nil {
		return err
	}
	v.Clear()
	for _, l := range ui.history.Lines() {
		fmt.Fprintln(v, l)
	}
	return nil
}

func (ui *ChatUI) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()
	msgWidth := maxX - sidebarWidth - 1
	msgHeight := maxY - 4

	if v, err := g.SetView(ui.msgView, 0, 0, msgWidth, msgHeight); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Messages"
		v.Wrap = true
		v.Autoscroll = true
		if err := ui.renderMessages(g); err != nil {
			return err
		}
	}

	if v, err := g.SetView(ui.roomView, msgWidth+1, 0, maxX-1, msgHeight); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Room"
		ui.renderStatus(v)
	}

	if v, err := g.SetView(ui.inputView, 0, msgHeight+1, maxX-1, maxY-1); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Input"
		v.Editable = true
		v.Wrap = true

		if _, err := g.SetCurrentView(ui.inputView); err != nil {
			return err
		}
	}
	return nil
}

func (ui *ChatUI) renderStatus(v *gocui.View) {
	width, _ := v.Size()
	v.Clear()
	for _, l := range []string{
		"Room: " + ui.status.room,
		"Host: " + ui.status.host,
		"You:  " + ui.status.name,
		"",
		"/help  commands",
		"/clear wipe screen",
		"Ctrl-C quit",
	} {
		fmt.Fprintln(v, runewidth.Truncate(l, width, "…"))
	}
}

func (ui *ChatUI) keybindings() error {
	if err := ui.gui.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone,
		func(g *gocui.Gui, _ *gocui.View) error {
			return gocui.ErrQuit
		}); err != nil {
		return err
	}

	if err := ui.gui.SetKeybinding(ui.inputView, gocui.KeyEnter, gocui.ModNone,
		ui.handleInput); err != nil {
		return err
	}
	return nil
}

// editor is the part of *gocui.View the input handler touches.
type editor interface {
	Buffer() string
	Clear()
	SetCursor(x, y int) error
}

// takeInput empties the input view and returns what was typed.
func takeInput(v editor) (string, error) {
	input := strings.TrimSpace(v.Buffer())
	v.Clear()
	if err := v.SetCursor(0, 0); err != nil {
		return "", err
	}
	return input, nil
}

func (ui *ChatUI) handleInput(g *gocui.Gui, v *gocui.View) error {
	input, err := takeInput(v)
	if err != nil {
		return err
	}
	if input == "" {
		return nil
	}

	if input == "/clear" {
		ui.history.Reset()
		return ui.renderMessages(g)
	}

	ui.mu.Lock()
	gone := ui.gone
	ui.mu.Unlock()
	if gone {
		return nil
	}

	if err := ui.session.Say(input); err != nil {
		ui.history.Push("*** Could not send: " + err.Error())
		return ui.renderMessages(g)
	}
	return nil
}

func (ui *ChatUI) Run() error {
	if err := ui.keybindings(); err != nil {
		return err
	}

	if err := ui.gui.MainLoop(); err != nil && err != gocui.ErrQuit {
		return err
	}

	return nil
}

func (ui *ChatUI) Close() {
	ui.gui.Close()
}
