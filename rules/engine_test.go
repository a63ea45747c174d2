package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soullink-events/models"
)

func TestDetermineStatus(t *testing.T) {
	blocklist := []models.BlocklistEntry{{RunID: "r", FamilyID: 7, Origin: models.BlockOriginCaught}}
	prior := []models.Encounter{{ID: "e1", RouteID: 31, FamilyID: 3}}

	tests := []struct {
		name      string
		blocklist []models.BlocklistEntry
		prior     []models.Encounter
		routeID   int
		familyID  int
		want      Decision
	}{
		{
			name:     "empty state is first encounter",
			routeID:  31,
			familyID: 3,
			want:     Decision{Status: models.StatusFirstEncounter},
		},
		{
			name:      "blocked family on any route",
			blocklist: blocklist,
			routeID:   50,
			familyID:  7,
			want:      Decision{Status: models.StatusDupeSkip, Reason: RuleFamilyBlocked},
		},
		{
			name:     "same route and family is a dupe",
			prior:    prior,
			routeID:  31,
			familyID: 3,
			want:     Decision{Status: models.StatusDupeSkip, Reason: RuleRouteFamilyDupe},
		},
		{
			name:      "blocked takes precedence over dupe",
			blocklist: []models.BlocklistEntry{{FamilyID: 3}},
			prior:     prior,
			routeID:   31,
			familyID:  3,
			want:      Decision{Status: models.StatusDupeSkip, Reason: RuleFamilyBlocked},
		},
		{
			name:     "same family on another route is fine",
			prior:    prior,
			routeID:  32,
			familyID: 3,
			want:     Decision{Status: models.StatusFirstEncounter},
		},
		{
			name:     "other family on same route is fine",
			prior:    prior,
			routeID:  31,
			familyID: 4,
			want:     Decision{Status: models.StatusFirstEncounter},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetermineStatus(tt.blocklist, tt.prior, tt.routeID, tt.familyID))
		})
	}
}

func TestCanFinalizeFirstEncounter(t *testing.T) {
	blocklist := []models.BlocklistEntry{{FamilyID: 1}}
	assert.False(t, CanFinalizeFirstEncounter(1, blocklist))
	assert.True(t, CanFinalizeFirstEncounter(2, blocklist))
	assert.True(t, CanFinalizeFirstEncounter(1, nil))
}

func TestCreateSoulLinkMembers_PreservesOrder(t *testing.T) {
	encounters := []models.Encounter{
		{ID: "enc-b", PlayerID: "p2"},
		{ID: "enc-a", PlayerID: "p1"},
		{ID: "enc-c", PlayerID: "p3"},
	}

	members := CreateSoulLinkMembers("link-1", encounters)

	require.Len(t, members, 3)
	for i, m := range members {
		assert.Equal(t, "link-1", m.LinkID)
		assert.Equal(t, encounters[i].ID, m.EncounterID)
		assert.Equal(t, encounters[i].PlayerID, m.PlayerID)
		assert.Equal(t, i, m.Position)
	}
	assert.Empty(t, CreateSoulLinkMembers("link-2", nil))
}

func TestOutcomeStatus(t *testing.T) {
	cases := map[string]models.EncounterStatus{
		"caught": models.StatusCaught,
		"FLED":   models.StatusFled,
		" ko ":   models.StatusKO,
		"failed": models.StatusFailed,
	}
	for in, want := range cases {
		got, err := OutcomeStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := OutcomeStatus("released")
	assert.Error(t, err)
}

func TestBlocksFamily(t *testing.T) {
	assert.True(t, BlocksFamily(models.StatusCaught))
	assert.False(t, BlocksFamily(models.StatusFled))
	assert.False(t, BlocksFamily(models.StatusFirstEncounter))
}

func TestShouldCreateLink(t *testing.T) {
	caught := []models.Encounter{
		{ID: "1", PlayerID: "a"},
		{ID: "2", PlayerID: "b"},
	}
	assert.True(t, ShouldCreateLink(caught, 2))
	assert.False(t, ShouldCreateLink(caught, 3))
	assert.False(t, ShouldCreateLink(append(caught, models.Encounter{ID: "3", PlayerID: "a"}), 3))
	assert.False(t, ShouldCreateLink(nil, 0))
}
