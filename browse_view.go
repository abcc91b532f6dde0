package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tonimelisma/cloudview/internal/calls"
	"github.com/tonimelisma/cloudview/internal/dropbox"
	"github.com/tonimelisma/cloudview/internal/storage"
)

// browseChromeLines is the number of lines around the listing (tabs, path,
// calls, status, help).
const browseChromeLines = 9

type browseStyles struct {
	tab       lipgloss.Style
	activeTab lipgloss.Style
	path      lipgloss.Style
	folder    lipgloss.Style
	selected  lipgloss.Style
	muted     lipgloss.Style
	err       lipgloss.Style
	help      lipgloss.Style
}

func newBrowseStyles() browseStyles {
	return browseStyles{
		tab:       lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("245")),
		activeTab: lipgloss.NewStyle().Padding(0, 1).Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("25")),
		path:      lipgloss.NewStyle().Bold(true),
		folder:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		selected:  lipgloss.NewStyle().Reverse(true),
		muted:     lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		err:       lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		help:      lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

func selectedItem(v storage.View, cursor int) (dropbox.Item, bool) {
	if v.Listing == nil || cursor < 0 || cursor >= len(v.Listing.Items) {
		return dropbox.Item{}, false
	}

	return v.Listing.Items[cursor], true
}

func (m *browseModel) View() string {
	if len(m.instances) == 0 {
		return "No storages configured.\n"
	}

	v := m.views[m.current]

	var b strings.Builder

	b.WriteString(m.renderTabs())
	b.WriteString("\n")
	b.WriteString(m.styles.path.Render("/" + strings.TrimPrefix(v.Path, "/")))

	if lc, ok := v.ListingCall(); ok {
		b.WriteString("  " + m.spinner.View() + " " + describeListing(lc))
	}

	b.WriteString("\n\n")

	switch {
	case !v.LoggedIn:
		b.WriteString(m.styles.muted.Render("Not logged in. Press L to log in."))
		b.WriteString("\n")
	case v.Listing == nil:
		b.WriteString(m.styles.muted.Render("Loading..."))
		b.WriteString("\n")
	default:
		b.WriteString(m.renderListing(v, m.cursors[m.current]))
	}

	b.WriteString("\n")
	b.WriteString(m.renderCalls(v))

	if v.LastError != nil {
		b.WriteString(m.styles.err.Render("Error: "+v.LastError.Error()) + "\n")
	}

	if m.status != "" {
		b.WriteString(m.styles.muted.Render(m.status) + "\n")
	}

	b.WriteString(m.styles.help.Render(
		"↑/↓ move  enter open/download  ← up  r reload  c cancel downloads  L login  esc cancel login  tab storage  q quit"))

	return b.String()
}

func (m *browseModel) renderTabs() string {
	tabs := make([]string, len(m.instances))

	for i, v := range m.views {
		label := v.Caption
		if !v.LoggedIn {
			label += " (logged out)"
		}

		if i == m.current {
			tabs[i] = m.styles.activeTab.Render(label)
		} else {
			tabs[i] = m.styles.tab.Render(label)
		}
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m *browseModel) renderListing(v storage.View, cursor int) string {
	items := v.Listing.Items
	if len(items) == 0 {
		return m.styles.muted.Render("(empty folder)") + "\n"
	}

	visible := max(m.height-browseChromeLines-len(v.Calls), 3)
	start := 0

	if cursor >= visible {
		start = cursor - visible + 1
	}

	end := min(start+visible, len(items))

	var b strings.Builder

	for i := start; i < end; i++ {
		it := items[i]

		name, size := it.Name, formatSize(it.Size)
		if it.IsFolder {
			name = m.styles.folder.Render(name + "/")
			size = ""
		}

		line := fmt.Sprintf("%-10s %-13s %s", size, formatTime(it.Modified), name)
		if i == cursor {
			line = m.styles.selected.Render(line)
		}

		b.WriteString(line + "\n")
	}

	if end < len(items) {
		b.WriteString(m.styles.muted.Render(fmt.Sprintf("... %d more", len(items)-end)) + "\n")
	}

	return b.String()
}

func (m *browseModel) renderCalls(v storage.View) string {
	var b strings.Builder

	for _, d := range v.Downloads() {
		st, ok := d.Data.(*calls.DownloadState)
		if !ok {
			continue
		}

		fmt.Fprintf(&b, "%s %s  %s  %s\n", m.spinner.View(), dropbox.Base(st.RemotePath), d.Phase,
			formatProgress(st.Downloaded, st.TotalSize, st.SizeKnown))
	}

	if auth, ok := v.Auth(); ok {
		if st, ok := auth.Data.(*calls.AuthState); ok {
			fmt.Fprintf(&b, "%s login: %s\n", m.spinner.View(), auth.Phase)

			if st.AuthURL != "" {
				b.WriteString(m.styles.muted.Render("  "+st.AuthURL) + "\n")
			}
		}
	}

	return b.String()
}

func describeListing(c storage.CallView) string {
	st, ok := c.Data.(*calls.ListFolderState)
	if !ok {
		return c.Phase
	}

	if st.Note != "" {
		return st.Note
	}

	return c.Phase
}
