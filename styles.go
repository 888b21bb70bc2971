package main

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")) // Light Purple
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("40"))            // Green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))           // Red
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))            // Blue
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))           // Orange
)
