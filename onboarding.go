package peopleflow

import (
	"time"
)

/// Onboarding drives a new hire from offer acceptance to confirmed employment:
/// pre-boarding setup, a suspension until the start date, a document chase
/// with a bounded reminder loop, training check-ins, and a probation period
/// closed by a review. Role-specific parameters (documents, training modules,
/// equipment, probation length) come from a typed lookup with a default
/// fallback; they feed activity arguments and never change the phase shape.

const ProgramOnboarding = "onboarding"

// Onboarding phase names.
const (
	PhasePreBoarding      = "pre_boarding"
	PhaseWaitForStartDate = "wait_for_start_date"
	PhaseDocumentation    = "documentation"
	PhaseTraining         = "training"
	PhaseProbation        = "probation"
	PhaseProbationReview  = "probation_review"
	PhaseOnboardingDone   = "completion"
)

// Signals consumed by onboarding instances.
const (
	SignalDocumentsSubmitted       = "documentsSubmitted"
	SignalTrainingCompleted        = "trainingCompleted"
	SignalProbationReviewCompleted = "probationReviewCompleted"
)

// Activity names invoked by onboarding phases.
const (
	ActivitySendWelcomeEmail     = "sendWelcomeEmail"
	ActivityCreateSystemAccounts = "createSystemAccounts"
	ActivityAssignEquipment      = "assignEquipment"
	ActivitySendDocumentReminder = "sendDocumentReminder"
	ActivityScheduleTraining     = "scheduleTraining"
	ActivityNotifyHR             = "notifyHR"
	ActivityEscalateIssue        = "escalateIssue"
	ActivityUpdateHRRecords      = "updateHRRecords"
)

const (
	documentReminderInterval = 24 * time.Hour
	maxDocumentReminders     = 5
	trainingCheckinInterval  = 72 * time.Hour
	maxTrainingCheckins      = 3
	probationReviewGrace     = 7 * 24 * time.Hour
)

// Role parameterizes onboarding. Unknown roles fall back to RoleDefault.
type Role string

const (
	RoleEngineering Role = "engineering"
	RoleSales       Role = "sales"
	RoleOperations  Role = "operations"
	RoleDefault     Role = "default"
)

// RolePlan is the per-role parameter table consulted by entry actions.
type RolePlan struct {
	RequiredDocuments []string
	TrainingModules   []string
	Equipment         []string
	ProbationDays     int
}

var rolePlans = map[Role]RolePlan{
	RoleEngineering: {
		RequiredDocuments: []string{"id_proof", "tax_form", "signed_nda", "ip_agreement"},
		TrainingModules:   []string{"security_awareness", "code_of_conduct", "dev_environment"},
		Equipment:         []string{"laptop", "monitor", "yubikey"},
		ProbationDays:     90,
	},
	RoleSales: {
		RequiredDocuments: []string{"id_proof", "tax_form", "signed_nda", "commission_agreement"},
		TrainingModules:   []string{"security_awareness", "code_of_conduct", "crm_basics"},
		Equipment:         []string{"laptop", "phone"},
		ProbationDays:     60,
	},
	RoleOperations: {
		RequiredDocuments: []string{"id_proof", "tax_form", "signed_nda"},
		TrainingModules:   []string{"security_awareness", "code_of_conduct", "facilities"},
		Equipment:         []string{"laptop", "badge_printer_access"},
		ProbationDays:     90,
	},
	RoleDefault: {
		RequiredDocuments: []string{"id_proof", "tax_form", "signed_nda"},
		TrainingModules:   []string{"security_awareness", "code_of_conduct"},
		Equipment:         []string{"laptop"},
		ProbationDays:     90,
	},
}

func rolePlanFor(role Role) RolePlan {
	if plan, ok := rolePlans[role]; ok {
		return plan
	}
	return rolePlans[RoleDefault]
}

func instanceRole(rec *InstanceRecord) Role {
	return Role(payloadString(rec.Input, "role"))
}

func onboardingStartDate(rec *InstanceRecord) (time.Time, error) {
	return payloadTime(rec.Input, "startDate")
}

func probationEnd(rec *InstanceRecord) (time.Time, error) {
	start, err := onboardingStartDate(rec)
	if err != nil {
		return time.Time{}, err
	}
	plan := rolePlanFor(instanceRole(rec))
	return start.AddDate(0, 0, plan.ProbationDays), nil
}

func stringsToInterfaces(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// OnboardingProgram builds the onboarding definition. The application still
// has to register a handler for every activity named above.
func OnboardingProgram() *Program {
	return &Program{
		Name: ProgramOnboarding,
		Phases: []*Phase{
			{
				Name:  PhasePreBoarding,
				Fatal: true,
				Entry: []*ActivityCall{
					{
						Step:     "welcome_email",
						Activity: ActivitySendWelcomeEmail,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee":  payloadString(rec.Input, "employeeName"),
								"startDate": payloadString(rec.Input, "startDate"),
							}
						},
					},
					{
						Step:     "system_accounts",
						Activity: ActivityCreateSystemAccounts,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
								"role":     string(instanceRole(rec)),
							}
						},
					},
					{
						Step:     "equipment",
						Activity: ActivityAssignEquipment,
						Args: func(rec *InstanceRecord) Payload {
							plan := rolePlanFor(instanceRole(rec))
							return Payload{
								"employee":  payloadString(rec.Input, "employeeName"),
								"equipment": stringsToInterfaces(plan.Equipment),
							}
						},
					},
				},
			},
			{
				Name:  PhaseWaitForStartDate,
				Fatal: true,
				Exit:  DateWait{Until: onboardingStartDate},
			},
			{
				Name: PhaseDocumentation,
				Entry: []*ActivityCall{
					{
						Step:     "initial_reminder",
						Activity: ActivitySendDocumentReminder,
						Args:     documentReminderArgs,
					},
				},
				Exit: BoundedWait{
					Signal:       SignalDocumentsSubmitted,
					Interval:     documentReminderInterval,
					MaxReminders: maxDocumentReminders,
					Reminder: &ActivityCall{
						Step:     "reminder",
						Activity: ActivitySendDocumentReminder,
						Args:     documentReminderArgs,
					},
					Escalation: &ActivityCall{
						Step:     "escalate",
						Activity: ActivityEscalateIssue,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
								"issue":    "required documents never submitted",
							}
						},
					},
				},
			},
			{
				Name: PhaseTraining,
				Entry: []*ActivityCall{
					{
						Step:     "schedule",
						Activity: ActivityScheduleTraining,
						Args: func(rec *InstanceRecord) Payload {
							plan := rolePlanFor(instanceRole(rec))
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
								"modules":  stringsToInterfaces(plan.TrainingModules),
							}
						},
					},
				},
				Exit: BoundedWait{
					Signal:       SignalTrainingCompleted,
					Interval:     trainingCheckinInterval,
					MaxReminders: maxTrainingCheckins,
					Reminder: &ActivityCall{
						Step:     "checkin",
						Activity: ActivityNotifyHR,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
								"subject":  "training still incomplete",
							}
						},
					},
					Escalation: &ActivityCall{
						Step:     "escalate",
						Activity: ActivityEscalateIssue,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
								"issue":    "mandatory training never completed",
							}
						},
					},
				},
			},
			{
				Name: PhaseProbation,
				Exit: DateWait{Until: probationEnd},
			},
			{
				Name: PhaseProbationReview,
				Entry: []*ActivityCall{
					{
						Step:     "schedule_review",
						Activity: ActivityNotifyHR,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
								"subject":  "probation review due",
							}
						},
					},
				},
				Exit: BoundedWait{
					Signal:       SignalProbationReviewCompleted,
					Interval:     probationReviewGrace,
					MaxReminders: 1,
					Reminder: &ActivityCall{
						Step:     "grace_reminder",
						Activity: ActivityNotifyHR,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
								"subject":  "probation review overdue",
							}
						},
					},
					Escalation: &ActivityCall{
						Step:     "escalate",
						Activity: ActivityEscalateIssue,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
								"issue":    "probation review missed its grace period",
							}
						},
					},
				},
			},
			{
				Name: PhaseOnboardingDone,
				Entry: []*ActivityCall{
					{
						Step:     "hr_records",
						Activity: ActivityUpdateHRRecords,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
								"status":   "onboarded",
							}
						},
					},
				},
			},
		},
		OnCancel: &ActivityCall{
			Step:     "notify",
			Activity: ActivityNotifyHR,
			Args: func(rec *InstanceRecord) Payload {
				return Payload{
					"employee": payloadString(rec.Input, "employeeName"),
					"subject":  "onboarding cancelled",
				}
			},
		},
		OnFailure: &ActivityCall{
			Step:     "notify",
			Activity: ActivityNotifyHR,
			Args: func(rec *InstanceRecord) Payload {
				return Payload{
					"employee": payloadString(rec.Input, "employeeName"),
					"subject":  "onboarding failed",
				}
			},
		},
	}
}

func documentReminderArgs(rec *InstanceRecord) Payload {
	plan := rolePlanFor(instanceRole(rec))
	return Payload{
		"employee":  payloadString(rec.Input, "employeeName"),
		"documents": stringsToInterfaces(plan.RequiredDocuments),
	}
}
