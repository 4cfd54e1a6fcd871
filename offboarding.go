package peopleflow

import (
	"time"
)

/// Offboarding walks an exit from announcement to archived records:
/// stakeholder notification fan-out, a knowledge-transfer window scaled by
/// exit type, parallel access revocation and equipment return, an exit
/// interview that terminations skip, and a fatal clearance step. Exit-type
/// parameters come from a typed lookup with a default fallback, same shape as
/// the role table on the onboarding side.

const ProgramOffboarding = "offboarding"

// Offboarding phase names.
const (
	PhaseNotification       = "notification"
	PhaseKnowledgeTransfer  = "knowledge_transfer"
	PhaseAccessAndEquipment = "access_and_equipment"
	PhaseAccessRevocation   = "access_revocation"
	PhaseEquipmentReturn    = "equipment_return"
	PhaseExitInterview      = "exit_interview"
	PhaseClearance          = "clearance"
	PhaseOffboardingDone    = "completion"
)

// Signals consumed by offboarding instances.
const (
	SignalKnowledgeTransferDone  = "knowledgeTransferCompleted"
	SignalEquipmentReturned      = "equipmentReturned"
	SignalExitInterviewCompleted = "exitInterviewCompleted"
)

// Activity names invoked by offboarding phases.
const (
	ActivityRevokeSystemAccess      = "revokeSystemAccess"
	ActivityArchiveEmployeeData     = "archiveEmployeeData"
	ActivityScheduleEquipmentReturn = "scheduleEquipmentReturn"
	ActivityScheduleExitInterview   = "scheduleExitInterview"
	ActivityGenerateClearanceCert   = "generateClearanceCertificate"
	ActivityNotifyPayroll           = "notifyPayroll"
)

// Revocation timings passed to revokeSystemAccess.
const (
	RevokeImmediate           = "immediate"
	RevokeEndOfLastWorkingDay = "end_of_last_working_day"
)

const (
	equipmentReturnInterval    = 48 * time.Hour
	maxEquipmentReminders      = 2
	knowledgeTransferReminders = 2
)

// ExitType parameterizes offboarding. Unknown types fall back to ExitDefault.
type ExitType string

const (
	ExitResignation ExitType = "resignation"
	ExitTermination ExitType = "termination"
	ExitRetirement  ExitType = "retirement"
	ExitDefault     ExitType = "default"
)

// ExitPlan is the per-exit-type parameter table.
type ExitPlan struct {
	KnowledgeTransferDays int
	RevokeImmediately     bool
	SkipExitInterview     bool
}

var exitPlans = map[ExitType]ExitPlan{
	ExitResignation: {
		KnowledgeTransferDays: 14,
	},
	ExitTermination: {
		KnowledgeTransferDays: 1,
		RevokeImmediately:     true,
		SkipExitInterview:     true,
	},
	ExitRetirement: {
		KnowledgeTransferDays: 30,
	},
	ExitDefault: {
		KnowledgeTransferDays: 14,
	},
}

func exitPlanFor(exitType ExitType) ExitPlan {
	if plan, ok := exitPlans[exitType]; ok {
		return plan
	}
	return exitPlans[ExitDefault]
}

func instanceExitType(rec *InstanceRecord) ExitType {
	return ExitType(payloadString(rec.Input, "exitType"))
}

func revocationTiming(rec *InstanceRecord) string {
	if exitPlanFor(instanceExitType(rec)).RevokeImmediately {
		return RevokeImmediate
	}
	return RevokeEndOfLastWorkingDay
}

// OffboardingProgram builds the offboarding definition.
func OffboardingProgram() *Program {
	return &Program{
		Name: ProgramOffboarding,
		Phases: []*Phase{
			{
				// Notification fan-out tolerates individual failures: the
				// phase is non-fatal and every recipient is attempted.
				Name: PhaseNotification,
				Entry: []*ActivityCall{
					{
						Step:     "notify_hr",
						Activity: ActivityNotifyHR,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
								"subject":  "offboarding started",
								"exitType": string(instanceExitType(rec)),
							}
						},
					},
					{
						Step:     "notify_payroll",
						Activity: ActivityNotifyPayroll,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee":       payloadString(rec.Input, "employeeName"),
								"lastWorkingDay": payloadString(rec.Input, "lastWorkingDay"),
							}
						},
					},
				},
			},
			{
				Name: PhaseKnowledgeTransfer,
				Entry: []*ActivityCall{
					{
						Step:     "plan",
						Activity: ActivityNotifyHR,
						Args: func(rec *InstanceRecord) Payload {
							plan := exitPlanFor(instanceExitType(rec))
							return Payload{
								"employee":     payloadString(rec.Input, "employeeName"),
								"subject":      "knowledge transfer plan due",
								"deadlineDays": plan.KnowledgeTransferDays,
							}
						},
					},
				},
				Exit: BoundedWait{
					Signal:       SignalKnowledgeTransferDone,
					Interval:     24 * time.Hour,
					MaxReminders: knowledgeTransferReminders,
					Reminder: &ActivityCall{
						Step:     "reminder",
						Activity: ActivityNotifyHR,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
								"subject":  "knowledge transfer incomplete",
							}
						},
					},
					Escalation: &ActivityCall{
						Step:     "escalate",
						Activity: ActivityEscalateIssue,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
								"issue":    "knowledge transfer never completed",
							}
						},
					},
				},
			},
			{
				// Access revocation must succeed; equipment return may fail
				// without taking the instance down.
				Name: PhaseAccessAndEquipment,
				Children: []*ChildPhase{
					{
						Name:      PhaseAccessRevocation,
						Mandatory: true,
						Entry: []*ActivityCall{
							{
								Step:     "revoke",
								Activity: ActivityRevokeSystemAccess,
								Args: func(rec *InstanceRecord) Payload {
									return Payload{
										"employee":       payloadString(rec.Input, "employeeName"),
										"timing":         revocationTiming(rec),
										"lastWorkingDay": payloadString(rec.Input, "lastWorkingDay"),
									}
								},
							},
						},
					},
					{
						Name: PhaseEquipmentReturn,
						Entry: []*ActivityCall{
							{
								Step:     "schedule",
								Activity: ActivityScheduleEquipmentReturn,
								Args: func(rec *InstanceRecord) Payload {
									return Payload{
										"employee": payloadString(rec.Input, "employeeName"),
									}
								},
							},
						},
						Exit: BoundedWait{
							Signal:       SignalEquipmentReturned,
							Interval:     equipmentReturnInterval,
							MaxReminders: maxEquipmentReminders,
							Reminder: &ActivityCall{
								Step:     "reminder",
								Activity: ActivityNotifyHR,
								Args: func(rec *InstanceRecord) Payload {
									return Payload{
										"employee": payloadString(rec.Input, "employeeName"),
										"subject":  "equipment not returned",
									}
								},
							},
							Escalation: &ActivityCall{
								Step:     "escalate",
								Activity: ActivityEscalateIssue,
								Args: func(rec *InstanceRecord) Payload {
									return Payload{
										"employee": payloadString(rec.Input, "employeeName"),
										"issue":    "equipment never returned",
									}
								},
							},
						},
					},
				},
			},
			{
				Name: PhaseExitInterview,
				SkipWhen: func(rec *InstanceRecord) bool {
					return exitPlanFor(instanceExitType(rec)).SkipExitInterview
				},
				Entry: []*ActivityCall{
					{
						Step:     "schedule",
						Activity: ActivityScheduleExitInterview,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
							}
						},
					},
				},
				Exit: SignalWait{Signal: SignalExitInterviewCompleted},
			},
			{
				Name:  PhaseClearance,
				Fatal: true,
				Entry: []*ActivityCall{
					{
						Step:     "certificate",
						Activity: ActivityGenerateClearanceCert,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
							}
						},
					},
					{
						Step:     "payroll_final",
						Activity: ActivityNotifyPayroll,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
								"final":    true,
							}
						},
					},
				},
			},
			{
				Name: PhaseOffboardingDone,
				Entry: []*ActivityCall{
					{
						Step:     "archive",
						Activity: ActivityArchiveEmployeeData,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
							}
						},
					},
					{
						Step:     "hr_records",
						Activity: ActivityUpdateHRRecords,
						Args: func(rec *InstanceRecord) Payload {
							return Payload{
								"employee": payloadString(rec.Input, "employeeName"),
								"status":   "offboarded",
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
					"subject":  "offboarding cancelled",
				}
			},
		},
		OnFailure: &ActivityCall{
			Step:     "notify",
			Activity: ActivityNotifyHR,
			Args: func(rec *InstanceRecord) Payload {
				return Payload{
					"employee": payloadString(rec.Input, "employeeName"),
					"subject":  "offboarding failed",
				}
			},
		},
	}
}
