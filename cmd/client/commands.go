package main

import (
	"fmt"
	"strconv"
	"strings"
)

// chatClient is the subset of *client.Engine the command line drives.
type chatClient interface {
	SendPublic(text string) error
	SendPrivate(to, text string) error
	LoadPrivate(partner string) error
	Kick(username string) error
	Mute(username string) error
	Unmute(username string) error
	Promote(username string) error
	Demote(username string) error
	DeletePublic(id int64) error
	DeleteAllPublic() error
	ViewPrivate(user1, user2 string) error
	GetUsers() []string
}

type printer interface {
	printf(format string, args ...any)
}

const helpText = `commands:
  <text>                 send to everyone
  /msg <user> <text>     private message
  /history <user>        load your conversation with user
  /users                 list online users
  /kick <user>           (admin) disconnect user
  /mute <user>           (admin) mute user
  /unmute <user>         (admin) unmute user
  /promote <user>        (admin) grant admin
  /demote <user>         (admin) revoke admin
  /delete <id>           (admin) delete a public message
  /deleteall             (admin) delete all public messages
  /view <user1> <user2>  (admin) read a private conversation
  /quit                  disconnect`

// dispatch runs one input line. It reports whether the client should exit.
func dispatch(c chatClient, p printer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, c.SendPublic(line)
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	one := func(name string, fn func(string) error) error {
		if len(args) != 1 {
			return fmt.Errorf("usage: /%s <user>", name)
		}
		return fn(args[0])
	}

	switch strings.ToLower(cmd) {
	case "quit", "exit":
		return true, nil
	case "help":
		p.printf("%s", helpText)
		return false, nil
	case "users":
		p.printf("* online: %s", strings.Join(c.GetUsers(), ", "))
		return false, nil
	case "msg", "w":
		to, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return false, fmt.Errorf("usage: /msg <user> <text>")
		}
		return false, c.SendPrivate(to, strings.TrimSpace(text))
	case "history":
		return false, one("history", c.LoadPrivate)
	case "kick":
		return false, one("kick", c.Kick)
	case "mute":
		return false, one("mute", c.Mute)
	case "unmute":
		return false, one("unmute", c.Unmute)
	case "promote":
		return false, one("promote", c.Promote)
	case "demote":
		return false, one("demote", c.Demote)
	case "delete":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /delete <id>")
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
		if err != nil {
			return false, fmt.Errorf("invalid message id %q", args[0])
		}
		return false, c.DeletePublic(id)
	case "deleteall":
		return false, c.DeleteAllPublic()
	case "view":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: /view <user1> <user2>")
		}
		return false, c.ViewPrivate(args[0], args[1])
	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", cmd)
	}
}
