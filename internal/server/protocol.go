package server

// Operations the server understands.
const (
	OpSet    = "set"
	OpGet    = "get"
	OpDelete = "delete"
)

// Request is one decoded client command. Value is only meaningful for set.
type Request struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// Response answers exactly one Request. Value is null except for a get that
// found the key, so a miss serializes as an explicit "value": null. Error is
// set only when the request itself was unusable, after which the connection
// closes.
type Response struct {
	Op    string  `json:"op"`
	Value *string `json:"value"`
	Error string  `json:"error,omitempty"`
}

func errorResponse(op, message string) Response {
	return Response{Op: op, Error: message}
}
