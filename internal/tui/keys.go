package tui

// Key bindings
const (
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
)

// HelpView renders the bottom help bar.
func HelpView() string {
	return StyleHelp.Render(" tab: switch pane • q: quit")
}
