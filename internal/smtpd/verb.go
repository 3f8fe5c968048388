package smtpd

import "strings"

// Verb is a command the session knows how to dispatch. Anything else parses
// to VerbUnrecognized.
type Verb int

const (
	VerbUnrecognized Verb = iota
	VerbHELO
	VerbEHLO
	VerbMAIL
	VerbRCPT
	VerbDATA
	VerbRSET
	VerbVRFY
	VerbEXPN
	VerbHELP
	VerbNOOP
	VerbQUIT
	VerbAUTH
)

var verbNames = [...]string{
	VerbUnrecognized: "UNRECOGNIZED",
	VerbHELO:         "HELO",
	VerbEHLO:         "EHLO",
	VerbMAIL:         "MAIL",
	VerbRCPT:         "RCPT",
	VerbDATA:         "DATA",
	VerbRSET:         "RSET",
	VerbVRFY:         "VRFY",
	VerbEXPN:         "EXPN",
	VerbHELP:         "HELP",
	VerbNOOP:         "NOOP",
	VerbQUIT:         "QUIT",
	VerbAUTH:         "AUTH",
}

var verbsByName = func() map[string]Verb {
	m := make(map[string]Verb, len(verbNames))
	for v, name := range verbNames {
		if Verb(v) != VerbUnrecognized {
			m[name] = Verb(v)
		}
	}
	return m
}()

// ParseVerb maps an upper-case verb to its Verb.
func ParseVerb(name string) Verb {
	return verbsByName[name]
}

func (v Verb) String() string {
	if v < 0 || int(v) >= len(verbNames) {
		return verbNames[VerbUnrecognized]
	}
	return verbNames[v]
}

type command struct {
	line string
	verb Verb
	// name is the upper-cased verb as sent, kept for unrecognized commands
	name string
	args string
}

// parseCommand splits a command line into its verb and the argument
// remainder after the first space.
func parseCommand(lex Lexeme) (command, error) {
	line := string(lex.Payload)
	name, args, _ := strings.Cut(line, " ")

	if name == "" {
		return command{line: line}, ErrMalformedCommand
	}

	if len(name) > MaxVerbLength {
		return command{line: line}, ErrVerbTooLong
	}

	for i := 0; i < len(name); i++ {
		if !isLetter(name[i]) {
			return command{line: line}, ErrMalformedCommand
		}
	}

	name = strings.ToUpper(name)

	return command{
		line: line,
		verb: ParseVerb(name),
		name: name,
		args: args,
	}, nil
}

func isLetter(c byte) bool {
	return ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z')
}
