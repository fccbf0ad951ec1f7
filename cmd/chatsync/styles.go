package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/smarthr-app/chatsync"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("213"))

	unreadStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("120"))

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("117"))

	messageFromMeStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("111"))

	messageFromOtherStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("120"))

	notificationStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("229")).
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("229")).
				Padding(0, 1)
)

func renderConversation(c chatsync.Conversation, selfID string) string {
	peer := c.Peer(selfID)
	name := valueOrDefault(peer.Name, peer.ID)

	style := normalStyle
	marker := "  "
	if c.Unread {
		style = unreadStyle
		marker = "● "
	}

	preview := ""
	if c.LastMessage != nil {
		preview = previewText(c.LastMessage.Type, c.LastMessage.Content)
		if c.LastMessage.SenderID == selfID {
			preview = "You: " + preview
		}
	}
	return fmt.Sprintf("%s%s  %s  %s",
		marker,
		style.Render(name),
		dimStyle.Render(c.ID),
		preview,
	)
}

func renderMessage(m chatsync.Message, selfID string) string {
	style := messageFromOtherStyle
	who := m.SenderID
	if m.SenderID == selfID {
		style = messageFromMeStyle
		who = "you"
	}
	status := string(m.Status)
	if m.Local {
		status = "SENDING"
	}
	return fmt.Sprintf("%s %s %s %s",
		dimStyle.Render(m.CreatedAt.Local().Format(time.Kitchen)),
		style.Render(who+":"),
		previewText(m.Type, m.Content),
		dimStyle.Render("["+status+"]"),
	)
}

func renderState(state chatsync.ConnectionState, err error) string {
	line := stateStyle.Render("── " + strings.ToLower(string(state)) + " ──")
	if err != nil {
		line += " " + errorStyle.Render(err.Error())
	}
	return line
}

func renderNotification(n chatsync.Notification) string {
	from := valueOrDefault(n.From.Name, n.From.ID)
	return notificationStyle.Render(fmt.Sprintf("New message from %s: %s", from, previewText(n.Message.Type, n.Message.Content)))
}

func previewText(msgType, content string) string {
	if msgType == chatsync.MessageTypeImage {
		return "[image] " + content
	}
	return content
}
