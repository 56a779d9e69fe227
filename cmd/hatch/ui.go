package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/skyhatch/hatch/internal/client"
)

var (
	primaryColor = lipgloss.Color("#0EA5E9") // Sky blue
	accentColor  = lipgloss.Color("#10B981") // Green
	mutedColor   = lipgloss.Color("#6B7280") // Gray
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#EF4444") // Red
	infoColor    = lipgloss.Color("#3B82F6") // Blue

	logoStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	statusDotStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	statusTextStyle = lipgloss.NewStyle().
			Foreground(accentColor)

	urlLabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	urlValueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor)

	arrowStyle = lipgloss.NewStyle().
			Foreground(primaryColor)

	helpTextStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	connectingStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	shutdownStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	timeStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(10)

	pathLogStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#D1D5DB"))

	durationLogStyle = lipgloss.NewStyle().
				Foreground(mutedColor)
)

func methodStyle(method string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true).Width(7)
	switch method {
	case "GET":
		return base.Foreground(accentColor)
	case "POST":
		return base.Foreground(warningColor)
	case "PUT":
		return base.Foreground(infoColor)
	case "DELETE":
		return base.Foreground(errorColor)
	default:
		return base.Foreground(mutedColor)
	}
}

func statusStyle(code int) lipgloss.Style {
	base := lipgloss.NewStyle()
	switch {
	case code >= 200 && code < 300:
		return base.Foreground(accentColor)
	case code >= 300 && code < 400:
		return base.Foreground(infoColor)
	case code >= 400 && code < 500:
		return base.Foreground(warningColor)
	case code >= 500:
		return base.Foreground(errorColor)
	}
	return base
}

func printConnecting() {
	fmt.Println()
	fmt.Println(connectingStyle.Render("   Connecting to server..."))
}

func printShutdown() {
	fmt.Println(shutdownStyle.Render("   ⏹  Shutting down tunnel..."))
}

func printConnectionInfo(config *client.Config, urls []string) {
	logo := logoStyle.Render(`
   ██╗  ██╗ █████╗ ████████╗ ██████╗██╗  ██╗
   ██║  ██║██╔══██╗╚══██╔══╝██╔════╝██║  ██║
   ███████║███████║   ██║   ██║     ███████║
   ██╔══██║██╔══██║   ██║   ██║     ██╔══██║
   ██║  ██║██║  ██║   ██║   ╚██████╗██║  ██║
   ╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝    ╚═════╝╚═╝  ╚═╝`)
	fmt.Println(logo)

	fmt.Printf("   %s %s\n", statusDotStyle.Render("●"), statusTextStyle.Render("Tunnel Active"))
	fmt.Println()

	for i, u := range urls {
		fmt.Println(urlLabelStyle.Render("   Public URL"))
		fmt.Printf("%s %s\n", arrowStyle.Render("   →"), urlValueStyle.Render(u))
		if i < len(config.Tunnels) {
			t := config.Tunnels[i]
			local := fmt.Sprintf("%s:%d", t.Host, t.Port)
			fmt.Printf("%s %s\n", arrowStyle.Render("   →"), urlLabelStyle.Render("forwarding to "+local))
		}
		fmt.Println()
	}

	fmt.Println(helpTextStyle.Render("   Press Ctrl+C to stop the tunnel"))
	fmt.Println()
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func printRequest(l client.RequestLog) {
	timestamp := timeStyle.Render(l.Timestamp.Format("15:04:05"))
	method := methodStyle(l.Method).Render(l.Method)
	status := statusStyle(l.StatusCode).Render(fmt.Sprintf("%d", l.StatusCode))
	duration := durationLogStyle.Render(formatDuration(l.Duration))
	path := pathLogStyle.Render(l.Path)

	fmt.Printf("   %s  %s %s %s %s\n", timestamp, method, status, duration, path)
}
