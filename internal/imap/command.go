package imap

import (
	"errors"
	"strings"
)

// Command is a parsed IMAP request: tag, upper-cased verb name, tokenised
// arguments, the UID-prefix flag, and any attached literal bytes.
type Command struct {
	Tag     string
	Name    string
	Args    []string
	UseUID  bool
	Literal []byte
	Raw     string
}

var errEmptyLine = errors.New("imap: empty command line")
var errMissingTag = errors.New("imap: missing tag")
var errMissingName = errors.New("imap: missing command name")

// ParseCommand tokenises a framed line (with literal bytes, if any,
// already split off by the framer) into a Command. If the first argument
// token is UID, the command is shifted: Name becomes that argument, UseUID
// is set, and the UID token is dropped from Args.
func ParseCommand(line string, literal []byte) (*Command, error) {
	raw := line
	line = strings.TrimRight(line, " ")
	if line == "" {
		return nil, errEmptyLine
	}

	sp := strings.IndexByte(line, ' ')
	var tag, rest string
	if sp < 0 {
		tag, rest = line, ""
	} else {
		tag, rest = line[:sp], line[sp+1:]
	}
	if tag == "" {
		return nil, errMissingTag
	}

	tokens := tokenize(rest)
	if len(tokens) == 0 {
		return nil, errMissingName
	}

	name := strings.ToUpper(tokens[0])
	args := tokens[1:]
	useUID := false

	if name == "UID" {
		if len(args) == 0 {
			return nil, errMissingName
		}
		name = strings.ToUpper(args[0])
		args = args[1:]
		useUID = true
	}

	return &Command{
		Tag:     tag,
		Name:    name,
		Args:    args,
		UseUID:  useUID,
		Literal: literal,
		Raw:     raw,
	}, nil
}
