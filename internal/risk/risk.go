// Package risk classifies the action an agent wants to perform into a risk tier.
package risk

import (
	"reflect"
	"strings"

	"github.com/tamv/isabella/internal/core"
)

// Kind tags the variant of an Action
type Kind int

const (
	// KindNone means the input carried no action
	KindNone Kind = iota
	KindWithdrawMSR
	KindModifyGovernance
	KindPurgeData
	// KindNamed is any other action name
	KindNamed
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindWithdrawMSR:
		return "withdraw_msr"
	case KindModifyGovernance:
		return "modify_governance"
	case KindPurgeData:
		return "purge_data"
	case KindNamed:
		return "named"
	default:
		return "unknown"
	}
}

// Action is the parsed action of a task input
type Action struct {
	Kind Kind
	Name string
}

// Actioner is implemented by typed task inputs that know their action name
type Actioner interface {
	ActionName() string
}

// Substrings that escalate a named action to high risk
var highRiskMarkers = []string{"transfer", "global"}

// NewAction builds the Action variant for a name
func NewAction(name string) Action {
	switch name {
	case "withdraw_msr":
		return Action{Kind: KindWithdrawMSR, Name: name}
	case "modify_governance":
		return Action{Kind: KindModifyGovernance, Name: name}
	case "purge_data":
		return Action{Kind: KindPurgeData, Name: name}
	default:
		return Action{Kind: KindNamed, Name: name}
	}
}

// ParseAction extracts the action field of an arbitrary input.
// Missing or non-string actions parse as KindNone.
func ParseAction(input any) Action {
	if name, ok := actionName(input); ok {
		return NewAction(name)
	}
	return Action{Kind: KindNone}
}

// Classify returns the risk tier of an arbitrary task input
func Classify(input any) core.RiskLevel {
	return ClassifyAction(ParseAction(input))
}

// ClassifyAction returns the risk tier of a parsed action. Never returns medium.
func ClassifyAction(a Action) core.RiskLevel {
	switch a.Kind {
	case KindWithdrawMSR, KindModifyGovernance, KindPurgeData:
		return core.RiskCritical
	case KindNamed:
		for _, marker := range highRiskMarkers {
			if strings.Contains(a.Name, marker) {
				return core.RiskHigh
			}
		}
		return core.RiskLow
	default:
		return core.RiskLow
	}
}

func actionName(input any) (string, bool) {
	switch v := input.(type) {
	case nil:
		return "", false
	case Actioner:
		return v.ActionName(), true
	case map[string]any:
		s, ok := v["action"].(string)
		return s, ok
	case map[string]string:
		s, ok := v["action"]
		return s, ok
	}
	return structAction(reflect.ValueOf(input))
}

// structAction reads a string field named Action or tagged json:"action"
func structAction(v reflect.Value) (string, bool) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return "", false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return "", false
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Type.Kind() != reflect.String {
			continue
		}
		tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if tag == "action" || (tag == "" && f.Name == "Action") {
			return v.Field(i).String(), true
		}
	}
	return "", false
}
