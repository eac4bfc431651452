package store

import (
	"context"
	"testing"
)

func TestStackAndProvenance(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	putShard(t, db, "s1", KindNote, "the bridge holds")
	putShard(t, db, "s2", KindNote, "the bridge sways")

	var stones []string
	for _, id := range []string{"s1", "s2"} {
		res, err := db.UpsertCodestone(ctx, &Codestone{
			EssenceText:    "essence of " + id,
			SourceShardIDs: []string{id},
			DerivationKey:  id + "|distill|v1",
		})
		if err != nil {
			t.Fatalf("UpsertCodestone: %v", err)
		}
		stones = append(stones, res.ID)
	}
	cell, err := db.UpsertCodecell(ctx, &Codecell{
		Name:               "Constellation: Bridge",
		MemberCodestoneIDs: stones,
		DerivationKey:      "seed:x|cluster|v1",
	})
	if err != nil {
		t.Fatalf("UpsertCodecell: %v", err)
	}

	prov, err := db.Provenance(ctx, cell.ID)
	if err != nil {
		t.Fatalf("Provenance: %v", err)
	}
	if len(prov) != 2 || prov[0] != "s1" || prov[1] != "s2" {
		t.Errorf("Provenance(cell) = %v, want [s1 s2]", prov)
	}
	self, err := db.Provenance(ctx, "s1")
	if err != nil || len(self) != 1 || self[0] != "s1" {
		t.Errorf("Provenance(s1) = %v, %v", self, err)
	}

	st, err := db.Stack(ctx, stones[0])
	if err != nil {
		t.Fatalf("Stack: %v", err)
	}
	if st.Kind != EntityCodestone {
		t.Errorf("Kind = %q", st.Kind)
	}
	if _, ok := st.Artifact.(*Codestone); !ok {
		t.Errorf("Artifact = %T, want *Codestone", st.Artifact)
	}
	if len(st.Parents) != 1 || st.Parents[0] != (StackRef{ID: "s1", Kind: EntityShard, Edge: EdgeDerivation}) {
		t.Errorf("Parents = %+v", st.Parents)
	}
	if len(st.Children) != 1 || st.Children[0] != (StackRef{ID: cell.ID, Kind: EntityCodecell, Edge: EdgeMembership}) {
		t.Errorf("Children = %+v", st.Children)
	}

	if _, err := db.Stack(ctx, "ghost"); !IsNotFound(err) {
		t.Errorf("Stack(ghost) err = %v, want not found", err)
	}
}
