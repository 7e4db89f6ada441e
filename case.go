package evaluation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is the control verb carried by CaseParams.
type Action string

const (
	ActionCreate   Action = "CREATE"
	ActionPause    Action = "PAUSE"
	ActionCancel   Action = "CANCEL"
	ActionResume   Action = "RESUME"
	ActionForceEnd Action = "FORCE_END"
)

// ParseAction resolves an action name, case-insensitively.
func ParseAction(raw string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(raw)))
	switch a {
	case ActionCreate, ActionPause, ActionCancel, ActionResume, ActionForceEnd:
		return a, true
	}
	return "", false
}

func (a Action) String() string { return string(a) }

// Message is implemented by values travelling on the control queue.
type Message interface {
	Type() string
	Validate() error
}

// CaseParams is the control message consumed by the dispatcher.
type CaseParams struct {
	UUID           string `json:"uuid" yaml:"uuid"`
	CaseName       string `json:"case_name" yaml:"case_name"`
	ProcessNum     int    `json:"process_num" yaml:"process_num"`
	RunnerImageTag string `json:"runner_image_tag" yaml:"runner_image_tag"`
	Action         Action `json:"action" yaml:"action"`
}

func (CaseParams) Type() string { return "case.params" }

// Validate checks the fields required by the action.
func (p CaseParams) Validate() error {
	if _, ok := ParseAction(string(p.Action)); !ok {
		return NewError(ErrInvalidAction, fmt.Sprintf("unknown action %q", p.Action), nil, nil)
	}
	if strings.TrimSpace(p.UUID) == "" {
		return NewError(ErrInvalidParams, "uuid is required", nil, map[string]any{"action": p.Action})
	}
	if p.Action != ActionCreate {
		return nil
	}
	if strings.TrimSpace(p.CaseName) == "" {
		return NewError(ErrInvalidParams, "case_name is required", nil, map[string]any{"uuid": p.UUID})
	}
	if p.ProcessNum < 0 {
		return NewError(ErrInvalidParams, "process_num must not be negative", nil, map[string]any{"uuid": p.UUID})
	}
	return nil
}

// EnsureUUID assigns a random uuid when none was supplied.
func (p *CaseParams) EnsureUUID() string {
	if strings.TrimSpace(p.UUID) == "" {
		p.UUID = uuid.NewString()
	}
	return p.UUID
}

// ReleaseName is the short environment name derived from the uuid.
func (p CaseParams) ReleaseName() string {
	return ReleaseName(p.UUID)
}

// ReleaseName returns runner-<first 8 chars of id>.
func ReleaseName(id string) string {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return "runner-" + strings.ToLower(short)
}

// WithAction returns a copy of p carrying action.
func (p CaseParams) WithAction(action Action) CaseParams {
	p.Action = action
	return p
}

// CaseRecord is the durable administrative record of a case.
type CaseRecord struct {
	UUID           string     `json:"uuid"`
	CaseName       string     `json:"case_name"`
	ProcessNum     int        `json:"process_num"`
	RunnerImageTag string     `json:"runner_image_tag"`
	Status         CaseStatus `json:"status"`
	Deleted        bool       `json:"deleted"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewCaseRecord builds an INIT record for params.
func NewCaseRecord(p CaseParams, now time.Time) CaseRecord {
	return CaseRecord{
		UUID:           p.UUID,
		CaseName:       p.CaseName,
		ProcessNum:     p.ProcessNum,
		RunnerImageTag: p.RunnerImageTag,
		Status:         StatusInit,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

// Params rebuilds the control message for the record.
func (r CaseRecord) Params(action Action) CaseParams {
	return CaseParams{
		UUID:           r.UUID,
		CaseName:       r.CaseName,
		ProcessNum:     r.ProcessNum,
		RunnerImageTag: r.RunnerImageTag,
		Action:         action,
	}
}

// ValidateTransition returns ErrIllegalTransition when from -> to is not an edge.
func ValidateTransition(id string, from, to CaseStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return NewError(ErrIllegalTransition, fmt.Sprintf("cannot move case from %s to %s", from, to), nil, map[string]any{
		"uuid": id,
		"from": string(from),
		"to":   string(to),
	})
}

var _ Message = CaseParams{}
