package domain

var requirementStatuses = map[RequirementKind][]string{
	RequirementChecklist: {"pending", "completed"},
	RequirementTraining:  {"pending", "in_progress", "completed"},
	RequirementAgreement: {"pending", "sent", "signed", "declined"},
	RequirementDocument:  {"pending", "submitted", "approved", "rejected"},
}

var satisfiedStatus = map[RequirementKind]string{
	RequirementChecklist: "completed",
	RequirementTraining:  "completed",
	RequirementAgreement: "signed",
	RequirementDocument:  "approved",
}

func (k RequirementKind) Valid() bool {
	_, ok := requirementStatuses[k]
	return ok
}

// Statuses lists the statuses a requirement of kind k may take.
func (k RequirementKind) Statuses() []string {
	return requirementStatuses[k]
}

// ValidStatus reports whether status is allowed for kind k.
func (k RequirementKind) ValidStatus(status string) bool {
	for _, s := range requirementStatuses[k] {
		if s == status {
			return true
		}
	}
	return false
}

// SatisfiedStatus is the status that counts towards activation.
func (k RequirementKind) SatisfiedStatus() string {
	return satisfiedStatus[k]
}
