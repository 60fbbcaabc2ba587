package link

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/ssd-technologies/chainops/internal/fact"
)

// TimeFormat is the timestamp layout used on the wire.
const TimeFormat = "2006-01-02 15:04:05"

// Link is one agent-bound instance of an ability.
type Link struct {
	ID             int
	Unique         string
	OperationID    string
	AbilityID      string
	AbilityVersion int
	Executor       string
	Paw            string
	Host           string
	Command        string
	Rendered       string
	Cleanup        bool
	Status         Status
	Score          int
	Jitter         int
	Phase          int
	Timeout        int
	Decide         time.Time
	Collect        time.Time
	Finish         time.Time
	PID            int
	ExitCode       int
	Output         []byte
	Used           []fact.Fact
	Facts          []fact.Fact
}

// Encode base64-encodes text for the wire.
func Encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// Decode reverses Encode.
func Decode(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	return string(b), nil
}

// CommandHash returns a stable digest of the dedup key
// (ability, paw, command).
func CommandHash(abilityID, paw, command string) string {
	h := sha3.New256()
	h.Write([]byte(abilityID))
	h.Write([]byte{0})
	h.Write([]byte(paw))
	h.Write([]byte{0})
	h.Write([]byte(command))
	return hex.EncodeToString(h.Sum(nil))
}

// Hash returns CommandHash for l. The planner-rendered command is used when
// present so that operator edits and origin substitution keep the key.
func (l *Link) Hash() string {
	cmd := l.Rendered
	if cmd == "" {
		cmd = l.Command
	}
	return CommandHash(l.AbilityID, l.Paw, cmd)
}

// Collected reports whether an agent has picked up the link.
func (l *Link) Collected() bool {
	return !l.Collect.IsZero()
}

// Clone returns a deep copy.
func (l *Link) Clone() *Link {
	c := *l
	c.Output = append([]byte(nil), l.Output...)
	c.Used = append([]fact.Fact(nil), l.Used...)
	c.Facts = append([]fact.Fact(nil), l.Facts...)
	return &c
}

// Wire is the JSON document the console consumes.
type Wire struct {
	ID             int         `json:"id"`
	Unique         string      `json:"unique"`
	Operation      string      `json:"operation"`
	AbilityID      string      `json:"ability_id"`
	AbilityVersion int         `json:"ability_version"`
	Executor       string      `json:"executor"`
	Paw            string      `json:"paw"`
	Host           string      `json:"host"`
	Command        string      `json:"command"`
	Cleanup        int         `json:"cleanup"`
	Status         int         `json:"status"`
	State          string      `json:"state"`
	Score          int         `json:"score"`
	Jitter         int         `json:"jitter"`
	Phase          int         `json:"phase"`
	Decide         string      `json:"decide"`
	Collect        string      `json:"collect"`
	Finish         string      `json:"finish"`
	PID            int         `json:"pid"`
	ExitCode       int         `json:"exit_code"`
	Output         string      `json:"output,omitempty"`
	Used           []fact.Fact `json:"used"`
	Facts          []fact.Fact `json:"facts"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimeFormat)
}

// ToWire converts l; the output is only included when withOutput is set.
func (l *Link) ToWire(withOutput bool) Wire {
	w := Wire{
		ID:             l.ID,
		Unique:         l.Unique,
		Operation:      l.OperationID,
		AbilityID:      l.AbilityID,
		AbilityVersion: l.AbilityVersion,
		Executor:       l.Executor,
		Paw:            l.Paw,
		Host:           l.Host,
		Command:        Encode(l.Command),
		Status:         l.Status.Code(),
		State:          l.Status.String(),
		Score:          l.Score,
		Jitter:         l.Jitter,
		Phase:          l.Phase + 1,
		Decide:         formatTime(l.Decide),
		Collect:        formatTime(l.Collect),
		Finish:         formatTime(l.Finish),
		PID:            l.PID,
		ExitCode:       l.ExitCode,
		Used:           l.Used,
		Facts:          l.Facts,
	}
	if l.Cleanup {
		w.Cleanup = 1
	}
	if withOutput && len(l.Output) > 0 {
		w.Output = base64.StdEncoding.EncodeToString(l.Output)
	}
	if w.Used == nil {
		w.Used = []fact.Fact{}
	}
	if w.Facts == nil {
		w.Facts = []fact.Fact{}
	}
	return w
}

// MarshalJSON writes the wire form without output.
func (l *Link) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.ToWire(false))
}
