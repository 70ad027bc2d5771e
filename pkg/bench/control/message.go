package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned for messages that are not valid records.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownCommand is returned for commands with an unrecognized tag.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrVersionMismatch is returned when the peer uses another TrialConfig
	// version.
	ErrVersionMismatch = errors.New("config version mismatch")
)

// ParseError is returned when a line was read but could not be parsed. The
// channel is still usable after a ParseError.
type ParseError struct {
	Line string
	// Kind is the command tag, if the line carried a recognized one.
	Kind CommandKind
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("control: cannot parse %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// CommandKind is the tag of a Command.
type CommandKind string

const (
	CommandStart = CommandKind("start")
	CommandStop  = CommandKind("stop")
	CommandExit  = CommandKind("exit")
)

// Command is a master to slave message. Args is set only for CommandStart.
type Command struct {
	Kind CommandKind
	Args *TrialConfig
}

// NewStart returns a Start command carrying a copy of cfg.
func NewStart(cfg TrialConfig) Command {
	return Command{Kind: CommandStart, Args: &cfg}
}

// NewStop returns a Stop command.
func NewStop() Command {
	return Command{Kind: CommandStop}
}

// NewExit returns an Exit command.
func NewExit() Command {
	return Command{Kind: CommandExit}
}

type wireCommand struct {
	Cmd  CommandKind     `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c Command) MarshalJSON() ([]byte, error) {
	w := wireCommand{Cmd: c.Kind}
	if c.Kind == CommandStart {
		if c.Args == nil {
			return nil, fmt.Errorf("%w: start without args", ErrMalformed)
		}
		args, err := json.Marshal(c.Args)
		if err != nil {
			return nil, err
		}
		w.Args = args
	}
	return json.Marshal(w)
}

// ParseCommand parses a single command record. Validation happens here so
// that the rest of the program only sees well-formed commands. If the tag is
// recognized but the arguments are rejected, the returned Command still
// carries the Kind.
func ParseCommand(data []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch w.Cmd {
	case CommandStop, CommandExit:
		return Command{Kind: w.Cmd}, nil
	case CommandStart:
		args, err := parseArgs(w.Args)
		if err != nil {
			return Command{Kind: CommandStart}, err
		}
		return Command{Kind: CommandStart, Args: args}, nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, w.Cmd)
	}
}

func parseArgs(data json.RawMessage) (*TrialConfig, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: start without args", ErrMalformed)
	}
	// Check the version first: a record from a different version may carry
	// fields this one does not know about.
	var v struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	cfg := &TrialConfig{Version: v.Version}
	if err := cfg.Validate(); errors.Is(err, ErrVersionMismatch) {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResponseKind is the tag of a Response.
type ResponseKind string

const (
	ResponseReady  = ResponseKind("ready")
	ResponseResult = ResponseKind("result")
	ResponseError  = ResponseKind("error")
)

// Response is a slave to master message.
type Response struct {
	Kind ResponseKind
	// ReceivedHeaps is set for ResponseResult.
	ReceivedHeaps int64
	// Message is set for ResponseError.
	Message string
}

// NewReady returns a Ready response.
func NewReady() Response {
	return Response{Kind: ResponseReady}
}

// NewResult returns a Result response reporting n received heaps.
func NewResult(n int64) Response {
	return Response{Kind: ResponseResult, ReceivedHeaps: n}
}

// NewError returns an Error response.
func NewError(msg string) Response {
	return Response{Kind: ResponseError, Message: msg}
}

type wireResponse struct {
	Resp          ResponseKind `json:"resp"`
	ReceivedHeaps *int64       `json:"received_heaps,omitempty"`
	Message       string       `json:"message,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Response) MarshalJSON() ([]byte, error) {
	w := wireResponse{Resp: r.Kind}
	switch r.Kind {
	case ResponseResult:
		n := r.ReceivedHeaps
		w.ReceivedHeaps = &n
	case ResponseError:
		w.Message = r.Message
	}
	return json.Marshal(w)
}

// ParseResponse parses a single response record.
func ParseResponse(data []byte) (Response, error) {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch w.Resp {
	case ResponseReady:
		return NewReady(), nil
	case ResponseResult:
		if w.ReceivedHeaps == nil || *w.ReceivedHeaps < 0 {
			return Response{}, fmt.Errorf("%w: result without a valid received_heaps", ErrMalformed)
		}
		return NewResult(*w.ReceivedHeaps), nil
	case ResponseError:
		return NewError(w.Message), nil
	default:
		return Response{}, fmt.Errorf("%w: unknown response %q", ErrMalformed, w.Resp)
	}
}
