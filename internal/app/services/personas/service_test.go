package personas

import (
	"context"
	"errors"
	"testing"

	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/app/storage/memory"
	"github.com/charachat/charachat/internal/identity"
)

func ptr[T any](v T) *T { return &v }

func TestService_PersonaLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := New(memory.New(), nil)
	alice := &identity.User{ID: "alice"}
	bob := &identity.User{ID: "bob"}

	if _, err := svc.Create(ctx, alice, Input{Bio: ptr("no name")}); !services.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	p, err := svc.Create(ctx, alice, Input{FullName: ptr("Sir Alice"), IsPrivate: ptr(true)})
	if err != nil {
		t.Fatalf("create persona: %v", err)
	}
	if p.Creator != "alice" {
		t.Fatalf("unexpected creator %q", p.Creator)
	}

	if _, err := svc.Get(ctx, bob, p.ID); err == nil || !isNotFound(err) {
		t.Fatalf("expected private persona hidden from bob, got %v", err)
	}

	updated, err := svc.Update(ctx, alice, p.ID, Input{Bio: ptr("A knight.")})
	if err != nil {
		t.Fatalf("update persona: %v", err)
	}
	if updated.Bio != "A knight." || updated.FullName != "Sir Alice" {
		t.Fatalf("update not applied: %#v", updated)
	}

	list, err := svc.List(ctx, bob, storage.ListOptions{})
	if err != nil {
		t.Fatalf("list personas: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("bob should see no personas, got %d", len(list))
	}

	public, err := svc.Update(ctx, alice, p.ID, Input{IsPrivate: ptr(false)})
	if err != nil {
		t.Fatalf("publish persona: %v", err)
	}
	if _, err := svc.Update(ctx, bob, public.ID, Input{Bio: ptr("hijack")}); err != services.ErrForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}

	if err := svc.Delete(ctx, alice, p.ID); err != nil {
		t.Fatalf("delete persona: %v", err)
	}
	if _, err := svc.Get(ctx, alice, p.ID); !isNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
