package skills

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func init() {
	RegisterFactory("registry_test.echo", func(d *Descriptor) (Handler, error) {
		return HandlerFunc(func(ctx context.Context, args map[string]any) (string, error) {
			return fmt.Sprintf("ran %s", d.Name), nil
		}), nil
	})
}

func TestResolveByNameAndAliasCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.Reload([]*Descriptor{
		{Name: "get_time", Kind: KindTool, Aliases: []string{"time"}, HandlerPath: "registry_test.echo"},
	})

	if _, ok := r.Resolve(KindTool, "GET_TIME"); !ok {
		t.Fatal("expected case-insensitive canonical resolve")
	}
	if _, ok := r.Resolve(KindTool, "TIME"); !ok {
		t.Fatal("expected case-insensitive alias resolve")
	}
	if _, ok := r.Resolve(KindTool, "nope"); ok {
		t.Fatal("expected resolve miss for unknown name")
	}
}

func TestReloadKeepsFirstSeenOnDuplicateName(t *testing.T) {
	r := NewRegistry()
	r.Reload([]*Descriptor{
		{Name: "aaa", Kind: KindTool, Description: "first", HandlerPath: "registry_test.echo"},
		{Name: "aaa", Kind: KindTool, Description: "second", HandlerPath: "registry_test.echo"},
	})

	d, ok := r.Resolve(KindTool, "aaa")
	if !ok {
		t.Fatal("expected aaa to resolve")
	}
	if d.Description != "first" {
		t.Fatalf("Description = %q, want first-seen wins", d.Description)
	}
}

func TestReloadKeepsFirstSeenOnAliasConflict(t *testing.T) {
	r := NewRegistry()
	r.Reload([]*Descriptor{
		{Name: "aaa", Kind: KindTool, Aliases: []string{"shared"}, HandlerPath: "registry_test.echo"},
		{Name: "bbb", Kind: KindTool, Aliases: []string{"shared"}, HandlerPath: "registry_test.echo"},
	})

	d, ok := r.Resolve(KindTool, "shared")
	if !ok || d.Name != "aaa" {
		t.Fatalf("resolve(shared) = %+v, %v, want aaa", d, ok)
	}
}

// TestReloadSwapIsAtomic covers P11: a reader must never see a mix of two
// generations' maps; every Resolve call during a concurrent Reload sees one
// fully-formed snapshot or the other, never a partially populated one.
func TestReloadSwapIsAtomic(t *testing.T) {
	r := NewRegistry()
	r.Reload([]*Descriptor{{Name: "v1", Kind: KindTool, HandlerPath: "registry_test.echo"}})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var sawInconsistent bool
	var mu sync.Mutex

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, v1ok := r.Resolve(KindTool, "v1")
			_, v2ok := r.Resolve(KindTool, "v2")
			if v1ok && v2ok {
				mu.Lock()
				sawInconsistent = true
				mu.Unlock()
			}
		}
	}()

	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			r.Reload([]*Descriptor{{Name: "v2", Kind: KindTool, HandlerPath: "registry_test.echo"}})
		} else {
			r.Reload([]*Descriptor{{Name: "v1", Kind: KindTool, HandlerPath: "registry_test.echo"}})
		}
	}
	close(stop)
	wg.Wait()

	if sawInconsistent {
		t.Fatal("observed a snapshot containing descriptors from two different Reload generations")
	}
}

func TestGetSchemaSortedByOrderThenName(t *testing.T) {
	r := NewRegistry()
	r.Reload([]*Descriptor{
		{Name: "zzz", Kind: KindTool, Order: 1, HandlerPath: "registry_test.echo"},
		{Name: "aaa", Kind: KindTool, Order: 1, HandlerPath: "registry_test.echo"},
		{Name: "first", Kind: KindTool, Order: 0, HandlerPath: "registry_test.echo"},
	})

	schema := r.GetSchema(KindTool)
	if len(schema) != 3 {
		t.Fatalf("len(schema) = %d", len(schema))
	}
	got := []string{schema[0].Function.Name, schema[1].Function.Name, schema[2].Function.Name}
	want := []string{"first", "aaa", "zzz"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("schema order = %v, want %v", got, want)
		}
	}
}

func TestExecuteWithoutResolverSkipsPermissionChecks(t *testing.T) {
	r := NewRegistry()
	r.Reload([]*Descriptor{
		{Name: "admin_only", Kind: KindTool, Permission: PermAdmin, HandlerPath: "registry_test.echo"},
	})
	d, _ := r.Resolve(KindTool, "admin_only")
	out, err := r.Execute(context.Background(), d, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "ran admin_only" {
		t.Fatalf("out = %q", out)
	}
}

func TestExecuteEnforcesPermissionWhenResolverInstalled(t *testing.T) {
	r := NewRegistry()
	r.SetRoleResolver(func(ctx context.Context) Caller {
		return Caller{ID: "u1", Role: PermPublic}
	})
	r.Reload([]*Descriptor{
		{Name: "admin_only", Kind: KindTool, Permission: PermAdmin, HandlerPath: "registry_test.echo"},
	})
	d, _ := r.Resolve(KindTool, "admin_only")
	_, err := r.Execute(context.Background(), d, nil)
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("err = %v, want ErrPermission", err)
	}
}

func TestExecuteEnforcesRateLimitPerRole(t *testing.T) {
	r := NewRegistry()
	r.SetRoleResolver(func(ctx context.Context) Caller {
		return Caller{ID: "u1", Role: PermPublic}
	})
	r.Reload([]*Descriptor{
		{Name: "limited", Kind: KindTool, RateLimit: RateLimit{User: 1}, HandlerPath: "registry_test.echo"},
	})
	d, _ := r.Resolve(KindTool, "limited")

	if _, err := r.Execute(context.Background(), d, nil); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	_, err := r.Execute(context.Background(), d, nil)
	if !errors.Is(err, ErrRateLimit) {
		t.Fatalf("second Execute err = %v, want ErrRateLimit", err)
	}
}

func TestExecuteUnknownHandlerPathIsError(t *testing.T) {
	r := NewRegistry()
	r.Reload([]*Descriptor{
		{Name: "ghost", Kind: KindTool, HandlerPath: "registry_test.does_not_exist"},
	})
	d, _ := r.Resolve(KindTool, "ghost")
	if _, err := r.Execute(context.Background(), d, nil); err == nil {
		t.Fatal("expected an error for an unregistered handler_path")
	}
}
