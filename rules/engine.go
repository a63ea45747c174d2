// Package rules decides encounter outcomes from explicit snapshots of run state.
// Nothing here touches storage; callers read the snapshot inside their transaction.
package rules

import (
	"fmt"
	"strings"

	"soullink-events/models"
)

// Applied rule names returned to clients in applied_rules.
const (
	RuleFamilyBlocked           = "family_blocked"
	RuleRouteFamilyDupe         = "route_family_dupe"
	RuleFirstEncounterFinalized = "first_encounter_finalized"
	RuleFinalizationRaceLost    = "finalization_race_lost"
	RuleFamilyBlockedAdded      = "family_blocked_added"
	RuleLinkCreated             = "link_created"
	RuleLinkDead                = "link_dead"
	RuleAdminBlockFamily        = "admin_block_family"
	RuleAdminSetStatus          = "admin_set_status"
)

// Decision is the outcome of evaluating an encounter against the run snapshot.
type Decision struct {
	Status models.EncounterStatus
	Reason string // empty for FIRST_ENCOUNTER
}

// IsFamilyBlocked reports whether familyID has a blocklist entry in the snapshot.
func IsFamilyBlocked(blocklist []models.BlocklistEntry, familyID int) bool {
	for _, entry := range blocklist {
		if entry.FamilyID == familyID {
			return true
		}
	}
	return false
}

// ShouldSkipDupe reports whether a prior encounter in the run already used this route
// for the same family.
func ShouldSkipDupe(prior []models.Encounter, routeID, familyID int) bool {
	for _, enc := range prior {
		if enc.RouteID == routeID && enc.FamilyID == familyID {
			return true
		}
	}
	return false
}

// DetermineStatus applies the rules in order: a blocked family wins over a route dupe.
func DetermineStatus(blocklist []models.BlocklistEntry, prior []models.Encounter, routeID, familyID int) Decision {
	if IsFamilyBlocked(blocklist, familyID) {
		return Decision{Status: models.StatusDupeSkip, Reason: RuleFamilyBlocked}
	}
	if ShouldSkipDupe(prior, routeID, familyID) {
		return Decision{Status: models.StatusDupeSkip, Reason: RuleRouteFamilyDupe}
	}
	return Decision{Status: models.StatusFirstEncounter}
}

// CanFinalizeFirstEncounter is the last check before claiming the route.
func CanFinalizeFirstEncounter(familyID int, blocklist []models.BlocklistEntry) bool {
	return !IsFamilyBlocked(blocklist, familyID)
}

// CreateSoulLinkMembers builds link members in input order. Callers validate.
func CreateSoulLinkMembers(linkID string, encounters []models.Encounter) []models.LinkMember {
	members := make([]models.LinkMember, 0, len(encounters))
	for i, enc := range encounters {
		members = append(members, models.LinkMember{
			LinkID:      linkID,
			EncounterID: enc.ID,
			PlayerID:    enc.PlayerID,
			Position:    i,
		})
	}
	return members
}

// OutcomeStatus maps a catch_result value to the encounter status it records.
func OutcomeStatus(result string) (models.EncounterStatus, error) {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "caught":
		return models.StatusCaught, nil
	case "fled":
		return models.StatusFled, nil
	case "ko":
		return models.StatusKO, nil
	case "failed":
		return models.StatusFailed, nil
	}
	return "", fmt.Errorf("unknown catch result %q", result)
}

// BlocksFamily reports whether an outcome blocks the family for the rest of the run.
func BlocksFamily(status models.EncounterStatus) bool {
	return status == models.StatusCaught
}

// ShouldCreateLink reports whether the caught encounters on one route cover every player.
func ShouldCreateLink(caught []models.Encounter, playerCount int) bool {
	if playerCount <= 0 {
		return false
	}
	seen := make(map[string]struct{}, len(caught))
	for _, enc := range caught {
		seen[enc.PlayerID] = struct{}{}
	}
	return len(seen) >= playerCount
}
