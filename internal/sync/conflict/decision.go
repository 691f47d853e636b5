package conflict

import (
	"fmt"

	"github.com/zmh/Quill-sub002/internal/models"
)

// Choice is the kind of user decision on a conflict.
type Choice string

const (
	ChoiceKeepLocal  Choice = "keepLocal"
	ChoiceKeepRemote Choice = "keepRemote"
	ChoiceMerge      Choice = "merge"
)

// Decision is an explicit resolution supplied by the editing UI.
type Decision struct {
	Choice Choice
	// Fields holds the merged values for ChoiceMerge.
	Fields models.PostFields
}

// KeepLocal pushes the local values over the remote ones.
func KeepLocal() Decision { return Decision{Choice: ChoiceKeepLocal} }

// KeepRemote adopts the remote values.
func KeepRemote() Decision { return Decision{Choice: ChoiceKeepRemote} }

// Merge pushes hand-merged values.
func Merge(fields models.PostFields) Decision {
	return Decision{Choice: ChoiceMerge, Fields: fields}
}

// ParseChoice converts a user-supplied choice name.
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(s); c {
	case ChoiceKeepLocal, ChoiceKeepRemote, ChoiceMerge:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown choice %q", ErrInvalidDecision, s)
}

// Apply returns the values the post takes under d and whether they must be
// sent to the server.
func (d Decision) Apply(rec *models.ConflictRecord) (models.PostFields, bool, error) {
	if rec == nil {
		return models.PostFields{}, false, ErrInvalidConflict
	}
	switch d.Choice {
	case ChoiceKeepLocal:
		return rec.Local, true, nil
	case ChoiceKeepRemote:
		return rec.Remote, false, nil
	case ChoiceMerge:
		if err := d.Fields.Validate(); err != nil {
			return models.PostFields{}, false, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
		}
		return d.Fields, d.Fields != rec.Remote, nil
	}
	return models.PostFields{}, false, ErrInvalidDecision
}
