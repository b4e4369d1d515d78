package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "api migration", NormalizeName("  API   Migration "))
	assert.Equal(t, "sarah chen", NormalizeName("Sarah Chen"))
	assert.Equal(t, "", NormalizeName("   "))
}

func TestCandidateKey_DistinguishesTypes(t *testing.T) {
	a := EntityCandidate{Type: EntityTypeProject, Name: "Phoenix"}
	b := EntityCandidate{Type: EntityTypeTeam, Name: "Phoenix"}
	assert.NotEqual(t, a.Key(), b.Key())

	c := EntityCandidate{Type: EntityTypeProject, Name: "  phoenix "}
	assert.Equal(t, a.Key(), c.Key())
}

func TestIDFormats(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewEntityID(EntityTypeProject), "ent:project:"))
	assert.True(t, strings.HasPrefix(NewSnapshotID(), "snap:"))
	assert.True(t, strings.HasPrefix(NewTransitionID(), "tr:"))
	assert.NotEqual(t, NewSnapshotID(), NewSnapshotID())
}

func TestIsValidEntityType(t *testing.T) {
	assert.True(t, IsValidEntityType(EntityTypePerson))
	assert.True(t, IsValidEntityType(EntityTypeDecision))
	assert.False(t, IsValidEntityType("starship"))
	assert.False(t, IsValidEntityType(""))
}

func TestAttributesClone(t *testing.T) {
	assert.Nil(t, Attributes(nil).Clone())

	orig := Attributes{"status": "planned"}
	clone := orig.Clone()
	clone["status"] = "blocked"
	assert.Equal(t, "planned", orig["status"])
}
