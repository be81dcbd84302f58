package reqctx

import (
	"context"
	"testing"
)

func TestEnterAndCurrent(t *testing.T) {
	ctx := Enter(context.Background(), Identity{RequestType: Group, GroupID: "10001", UserID: "2002"})

	got, ok := Current(ctx)
	if !ok {
		t.Fatal("expected Current to find the entered scope")
	}
	if got.Identity().GroupID != "10001" {
		t.Fatalf("GroupID = %q, want 10001", got.Identity().GroupID)
	}
	if got.Identity().RequestID == "" {
		t.Fatal("expected a generated RequestID")
	}
}

func TestCurrentMissingScope(t *testing.T) {
	_, ok := Current(context.Background())
	if ok {
		t.Fatal("expected Current to report no scope on a bare context")
	}
}

func TestMustCurrentPanicsOutsideScope(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected MustCurrent to panic outside an admitted request")
		}
	}()
	MustCurrent(context.Background())
}

func TestResourcesLastWriteWinsWithinScope(t *testing.T) {
	ctx := Enter(context.Background(), Identity{RequestType: Private, UserID: "99"})
	c, _ := Current(ctx)

	c.SetResource(ResMessageSentThisTurn, false)
	c.SetResource(ResMessageSentThisTurn, true)

	if got := c.GetResource(ResMessageSentThisTurn, nil); got != true {
		t.Fatalf("GetResource = %v, want true", got)
	}
	if got := c.GetResource("missing", "default"); got != "default" {
		t.Fatalf("GetResource for missing key = %v, want default", got)
	}
}

func TestChildScopeIndependentOfParent(t *testing.T) {
	parent := Enter(context.Background(), Identity{RequestType: Group, GroupID: "1"})
	pc, _ := Current(parent)
	pc.SetResource("k", "parent-value")

	child := Enter(parent, Identity{RequestType: Group, GroupID: "2"})
	cc, _ := Current(child)

	if got := cc.GetResource("k", "default"); got != "default" {
		t.Fatalf("child scope leaked parent resource: got %v", got)
	}
	if got := pc.GetResource("k", nil); got != "parent-value" {
		t.Fatalf("parent scope mutated: got %v", got)
	}
}

func TestRequestIDPreservedWhenSupplied(t *testing.T) {
	ctx := Enter(context.Background(), Identity{RequestType: Scheduled, RequestID: "fixed-id"})
	c, _ := Current(ctx)
	if c.Identity().RequestID != "fixed-id" {
		t.Fatalf("RequestID = %q, want fixed-id", c.Identity().RequestID)
	}
}
