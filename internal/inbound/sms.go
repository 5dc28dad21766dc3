package inbound

import (
	"encoding/xml"
	"regexp"
	"strconv"
	"strings"
)

// CommandKind classifies one inbound locksmith SMS.
type CommandKind int

const (
	CmdUnknown CommandKind = iota
	CmdAccept
	CmdAcceptNoPrice
	CmdDecline
	CmdAvailable
	CmdUnavailable
	CmdStop
	CmdHelp
)

// Command is a normalized locksmith SMS command.
type Command struct {
	Kind CommandKind
	// QuotedCents carries the accept price; meaningful only for CmdAccept.
	QuotedCents int
}

var acceptRe = regexp.MustCompile(`^(?:Y|YES)(?:\s+\$?(\d+)(?:\.(\d{1,2}))?)?$`)

// ParseCommand normalizes an SMS body against the locksmith command grammar.
// Matching is case-insensitive and whitespace-tolerant; anything outside the
// grammar is CmdUnknown.
func ParseCommand(body string) Command {
	text := strings.ToUpper(strings.TrimSpace(body))
	text = strings.Join(strings.Fields(text), " ")

	if m := acceptRe.FindStringSubmatch(text); m != nil {
		if m[1] == "" {
			return Command{Kind: CmdAcceptNoPrice}
		}
		dollars, err := strconv.Atoi(m[1])
		if err != nil {
			return Command{Kind: CmdUnknown}
		}
		cents := dollars * 100
		if m[2] != "" {
			frac, err := strconv.Atoi(m[2])
			if err != nil {
				return Command{Kind: CmdUnknown}
			}
			if len(m[2]) == 1 {
				frac *= 10
			}
			cents += frac
		}
		if cents <= 0 {
			return Command{Kind: CmdAcceptNoPrice}
		}
		return Command{Kind: CmdAccept, QuotedCents: cents}
	}

	switch text {
	case "N", "NO":
		return Command{Kind: CmdDecline}
	case "AVAILABLE":
		return Command{Kind: CmdAvailable}
	case "UNAVAILABLE":
		return Command{Kind: CmdUnavailable}
	case "STOP":
		return Command{Kind: CmdStop}
	case "HELP":
		return Command{Kind: CmdHelp}
	}
	return Command{Kind: CmdUnknown}
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message"`
}

// TwiML wraps a reply message in the XML envelope the SMS provider expects.
func TwiML(message string) string {
	out, err := xml.Marshal(twimlResponse{Message: message})
	if err != nil {
		return xml.Header + "<Response></Response>"
	}
	return xml.Header + string(out)
}
