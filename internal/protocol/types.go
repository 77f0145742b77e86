package protocol

import (
	"encoding/json"

	"github.com/danmuck/capd/internal/plugin"
)

// NameRequest is the REGISTER / UNREGISTER payload.
type NameRequest struct {
	Name string `json:"name"`
}

// RegisterResponse answers REGISTER. Spec is null when the daemon withholds
// metadata for an already loaded service.
type RegisterResponse struct {
	Sig  uint64          `json:"sig"`
	Spec plugin.Metadata `json:"spec"`
}

// CallRequest is the CALL / ONE_WAY payload and one CHAIN_CALL step.
// Args is either a positional array, an array of single-key {name: value}
// objects, or one object keyed by argument name.
type CallRequest struct {
	Sig  uint64          `json:"sig"`
	Func string          `json:"func"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ChainRequest is the CHAIN_CALL payload.
type ChainRequest struct {
	Steps []CallRequest `json:"sig_func_args_table"`
}
