// Package commands parses slash-style commands and free-form text that
// the menu state machine did not claim, dispatching built-ins (/start,
// /new, /help, /menu) and forwarding everything else to the agent
// collaborator.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lattice-run/convoy/internal/collab"
	"github.com/lattice-run/convoy/internal/menu"
	"github.com/lattice-run/convoy/internal/pairing"
)

// Reserved built-in command names.
const (
	CmdStart = "start"
	CmdNew   = "new"
	CmdHelp  = "help"
	CmdMenu  = "menu"
)

// Parsed is a recognized slash command split into its name and the rest
// of the line.
type Parsed struct {
	Name string
	Args string
}

// Parse splits leading "/name rest" text into a Parsed command. It
// returns ok=false for text that isn't addressed to a command, which
// callers should forward to the agent collaborator instead.
func Parse(text string) (p Parsed, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Parsed{}, false
	}
	fields := strings.SplitN(text[1:], " ", 2)
	name := strings.ToLower(fields[0])
	// Telegram suffixes commands with "@botname" in group chats.
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	args := ""
	if len(fields) > 1 {
		args = strings.TrimSpace(fields[1])
	}
	if name == "" {
		return Parsed{}, false
	}
	return Parsed{Name: name, Args: args}, true
}

// Router dispatches parsed commands and non-command text. It sits
// between a channel adapter and the menu dispatcher: the adapter should
// consult the menu dispatcher's HandleTextInput first, and fall through
// to Router.Handle only when the menu claims no sub-state.
type Router struct {
	Menu    *menu.Manager
	Pairing *pairing.Service
	Agent   collab.AgentManager
	Logger  *slog.Logger
}

// New constructs a Router.
func New(mgr *menu.Manager, pairingSvc *pairing.Service, agent collab.AgentManager, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{Menu: mgr, Pairing: pairingSvc, Agent: agent, Logger: logger}
}

// Handle processes one inbound message's text for (channel, userID).
// sessionID scopes the agent collaborator's conversation history.
func (r *Router) Handle(ctx context.Context, channel, chatID, userID, sessionID, text string) menu.RenderResult {
	p, isCmd := Parse(text)
	if !isCmd {
		return r.forwardToAgent(ctx, sessionID, text)
	}

	switch p.Name {
	case CmdStart:
		return r.handleStart(ctx, channel, chatID, userID, p.Args)
	case CmdNew:
		r.Menu.Clear(channel, userID)
		return menu.RenderResult{Text: "Started a new conversation.", NextMenu: "main"}
	case CmdMenu:
		r.Menu.Clear(channel, userID)
		var result menu.RenderResult
		r.Menu.WithLock(channel, userID, chatID, func(st *menu.MenuState) {
			st.CurrentMenu = "main"
		})
		result = menu.RenderResult{Text: "Main Menu", NextMenu: "main"}
		return result
	case CmdHelp:
		return menu.RenderResult{Text: helpText, NextMenu: ""}
	default:
		return menu.RenderResult{Text: fmt.Sprintf("Unknown command /%s. Try /help.", p.Name)}
	}
}

const helpText = `Available commands:
/start [code] - pair this chat, optionally with a pairing code
/new - start a fresh conversation
/menu - return to the main menu
/help - show this message

Anything else is sent to the assistant.`

func (r *Router) handleStart(ctx context.Context, channel, chatID, userID, code string) menu.RenderResult {
	code = strings.TrimSpace(code)
	if code == "" {
		r.Menu.Clear(channel, userID)
		return menu.RenderResult{Text: "Welcome. Ask an admin for a pairing code, or use /help.", NextMenu: "main"}
	}

	user, err := r.Pairing.ValidateCode(ctx, code)
	if err != nil {
		r.Logger.Warn("commands: pairing code validation failed", "channel", channel, "error", err)
		return menu.RenderResult{Text: "That code could not be validated. Please try again.", NextMenu: "main"}
	}
	if user == nil {
		return menu.RenderResult{Text: "That code could not be validated. Please try again.", NextMenu: "main"}
	}
	r.Menu.Clear(channel, userID)
	return menu.RenderResult{Text: "Paired. Welcome aboard.", NextMenu: "main"}
}

// forwardToAgent hands free text to the agent collaborator. When no
// agent is wired, it replies with a neutral placeholder rather than
// silently dropping the message.
func (r *Router) forwardToAgent(ctx context.Context, sessionID, text string) menu.RenderResult {
	if r.Agent == nil {
		return menu.RenderResult{Text: "The assistant is not available right now."}
	}
	reply, err := r.Agent.HandleMessage(ctx, sessionID, text)
	if err != nil {
		r.Logger.Warn("commands: agent handling failed", "error", err)
		return menu.RenderResult{Text: "Sorry, I couldn't process that just now."}
	}
	return menu.RenderResult{Text: reply}
}
