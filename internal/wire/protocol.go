package wire

import "encoding/json"

// Client-facing commands.
const (
	CmdGet       = "GET"
	CmdSet       = "SET"
	CmdDelete    = "DELETE"
	CmdBulkSet   = "BULK_SET"
	CmdVClock    = "VCLOCK"
	CmdConflicts = "CONFLICTS"
	CmdPing      = "PING"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Item is one key/value pair of a BULK_SET.
type Item struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Request is a single client command.
type Request struct {
	Cmd   string `json:"cmd"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
	Items []Item `json:"items,omitempty"`
}

// Response carries the outcome of a Request. Value is a pointer so a GET of a
// missing key is distinguishable from an empty value.
type Response struct {
	Status       string            `json:"status"`
	Value        *string           `json:"value,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Leader       string            `json:"leader,omitempty"`
	Clock        map[string]uint64 `json:"clock,omitempty"`
	Conflicts    []Conflict        `json:"conflicts,omitempty"`
}

// Conflict describes one resolved concurrent-write conflict on a masterless
// node, kept for inspection via the CONFLICTS command.
type Conflict struct {
	Key          string            `json:"key"`
	ResolvedAt   int64             `json:"resolved_at"`
	WinnerOrigin string            `json:"winner_origin"`
	LoserOrigin  string            `json:"loser_origin"`
	WinnerClock  map[string]uint64 `json:"winner_clock"`
	LoserClock   map[string]uint64 `json:"loser_clock"`
}

// OKResponse is the canonical success response without a value.
func OKResponse() Response { return Response{Status: StatusOK} }

// ErrorResponse wraps an error message.
func ErrorResponse(msg string) Response {
	return Response{Status: StatusError, ErrorMessage: msg}
}

// Envelope frames one inter-node message: a type tag plus an opaque body.
type Envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
	Err  string          `json:"err,omitempty"`
}
