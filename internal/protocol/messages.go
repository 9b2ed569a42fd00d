package protocol

// HELLO (client -> server). A session works either on a named problem from
// the server's archive or on an ad-hoc resolution with optional RLE grids.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`

	Problem   string `json:"problem,omitempty"`
	R         int    `json:"r,omitempty"`
	SourceRLE string `json:"source_rle,omitempty"`
	TargetRLE string `json:"target_rle,omitempty"`

	EnergyProfile string `json:"energy_profile,omitempty"`
	MaxBots       int    `json:"max_bots,omitempty"`
	IncludeGrid   bool   `json:"include_grid,omitempty"`
	MaxQueue      int    `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Problem         string `json:"problem,omitempty"`
	R               int    `json:"r"`
	MaxBots         int    `json:"max_bots"`
	EnergyProfile   string `json:"energy_profile"`
	TargetCells     int    `json:"target_cells"`

	State StateMsg `json:"state"`
}

// STAGE (client -> server): validate a command for one bot and, unless
// CheckOnly is set, hold it for the current step.
type StageMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	BotID           int         `json:"bot_id"`
	Command         CommandJSON `json:"command"`
	CheckOnly       bool        `json:"check_only,omitempty"`
}

// STAGED (server -> client): the validation outcome. A rejected command is
// reported here, not with ERROR, and leaves the session usable.
type StagedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	BotID           int    `json:"bot_id"`
	Accepted        bool   `json:"accepted"`
	Staged          int    `json:"staged"`
	Pending         []int  `json:"pending"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// STEP (client -> server): run the staged step. When Commands is set it
// replaces anything staged and supplies one command per active bot in
// ascending id order.
type StepMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Commands        []CommandJSON `json:"commands,omitempty"`
}

// STATE (server -> client)
type StateMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Step            int        `json:"step"`
	Mode            string     `json:"mode"`
	Energy          int64      `json:"energy"`
	EnergyDelta     int64      `json:"energy_delta,omitempty"`
	Halted          bool       `json:"halted"`
	Filled          int        `json:"filled"`
	Bots            []BotState `json:"bots"`
	Spawned         []int      `json:"spawned,omitempty"`
	Merged          []int      `json:"merged,omitempty"`
	GridRLE         string     `json:"grid_rle,omitempty"`
}

type BotState struct {
	ID    int    `json:"id"`
	Pos   [3]int `json:"pos"`
	Seeds []int  `json:"seeds"`
}

// TRACE (client -> server): run a whole base64 trace from the current state.
type TraceMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Trace           string `json:"trace_b64"`
}

// RESULT (server -> client)
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`
	OK              bool   `json:"ok"`
	Energy          int64  `json:"energy"`
	Steps           int    `json:"steps"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// ERROR (server -> client). Once an emulation error is reported, every later
// STAGE, STEP or TRACE on the session gets the same code.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: msg}
}
