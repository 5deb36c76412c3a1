package services

import "gossiphub/internal/models"

// CallTransitions lists the legal status changes of a call session. Statuses
// only move forward; terminal statuses have no exits.
var CallTransitions = map[models.CallStatus]map[models.CallStatus]bool{
	models.CallRinging:   {models.CallAccepted: true, models.CallRejected: true, models.CallMissed: true},
	models.CallAccepted:  {models.CallCompleted: true},
	models.CallRejected:  {},
	models.CallCompleted: {},
	models.CallMissed:    {},
}

func canTransition(current, to models.CallStatus, table map[models.CallStatus]map[models.CallStatus]bool) bool {
	nexts, ok := table[current]
	if !ok {
		return false
	}
	return nexts[to]
}
