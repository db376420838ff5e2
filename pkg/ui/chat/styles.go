package chat

import "github.com/charmbracelet/lipgloss"

// Palette, in 256-color codes.
const (
	colorAubergine = lipgloss.Color("53")
	colorCream     = lipgloss.Color("230")
	colorMuted     = lipgloss.Color("244")
	colorBorder    = lipgloss.Color("97")
	colorUser      = lipgloss.Color("214")
	colorBot       = lipgloss.Color("79")
	colorNotice    = lipgloss.Color("109")
	colorError     = lipgloss.Color("203")
	colorBusy      = lipgloss.Color("222")
	colorOK        = lipgloss.Color("114")
	colorInk       = lipgloss.Color("16")
	colorPanel     = lipgloss.Color("234")
)

type theme struct {
	header         lipgloss.Style
	headerMeta     lipgloss.Style
	divider        lipgloss.Style
	bootLine       lipgloss.Style
	bootDone       lipgloss.Style
	userBox        lipgloss.Style
	userTitle      lipgloss.Style
	assistantBox   lipgloss.Style
	assistantTitle lipgloss.Style
	noticeBox      lipgloss.Style
	noticeTitle    lipgloss.Style
	errorBox       lipgloss.Style
	errorTitle     lipgloss.Style
	status         lipgloss.Style
	statusBusy     lipgloss.Style
	statusErr      lipgloss.Style
	hint           lipgloss.Style
	inputLabel     lipgloss.Style
	input          lipgloss.Style
	viewport       lipgloss.Style
}

// bubble is a bordered message body.
func bubble(border lipgloss.Border, accent lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(border).
		BorderForeground(accent).
		Background(colorPanel).
		Padding(0, 1)
}

// badge is the title strip above a bubble.
func badge(fg, bg lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Bold(true).Foreground(fg).Background(bg).Padding(0, 1)
}

func fg(c lipgloss.Color, bold bool) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c).Bold(bold)
}

func defaultTheme() theme {
	return theme{
		header:         badge(colorCream, colorAubergine),
		headerMeta:     fg(colorCream, false),
		divider:        fg(colorBorder, false),
		bootLine:       fg(colorMuted, false),
		bootDone:       fg(colorOK, true),
		userBox:        bubble(lipgloss.RoundedBorder(), colorUser),
		userTitle:      badge(colorInk, colorUser),
		assistantBox:   bubble(lipgloss.RoundedBorder(), colorBot),
		assistantTitle: badge(colorInk, colorBot),
		noticeBox:      bubble(lipgloss.NormalBorder(), colorNotice).Foreground(colorMuted),
		noticeTitle:    badge(colorInk, colorNotice),
		errorBox:       bubble(lipgloss.DoubleBorder(), colorError).Foreground(colorError),
		errorTitle:     badge(colorCream, lipgloss.Color("160")),
		status:         fg(lipgloss.Color("250"), true),
		statusBusy:     fg(colorBusy, true),
		statusErr:      fg(colorError, true),
		hint:           fg(colorMuted, false),
		inputLabel:     fg(colorCream, true),
		input:          bubble(lipgloss.RoundedBorder(), colorBorder),
		viewport:       lipgloss.NewStyle().Border(lipgloss.ThickBorder()).BorderForeground(colorAubergine).Padding(0, 1),
	}
}
