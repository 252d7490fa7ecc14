package services

import (
	"errors"
	"reflect"
	"testing"

	"github.com/danmuck/scope/internal/loop"
	"github.com/danmuck/scope/internal/scope"
	"github.com/danmuck/scope/internal/services/kv"
	"github.com/danmuck/scope/internal/testutil/testlog"
)

func TestDefaultCatalogNamesSorted(t *testing.T) {
	testlog.Start(t)
	got := Default().Names()
	want := []string{"echo", "kv", "runtime-info"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("names got=%v want=%v", got, want)
	}
}

func TestRegisterValidatesNames(t *testing.T) {
	testlog.Start(t)
	c := NewCatalog()
	f := func(*loop.Runtime) scope.Service { return kv.New() }
	for _, bad := range []string{"", "Upper", "-lead", "trail.", "dou..ble", "*meta"} {
		if err := c.Register(bad, f); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("%q: expected ErrInvalidName, got %v", bad, err)
		}
	}
	if err := c.Register("store", nil); !errors.Is(err, ErrFactoryNil) {
		t.Fatalf("expected ErrFactoryNil, got %v", err)
	}
	if err := c.Register("store", f); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Register("store", f); !errors.Is(err, ErrServiceExists) {
		t.Fatalf("expected ErrServiceExists, got %v", err)
	}
}

func TestInstallRegistersOnBuiltinHost(t *testing.T) {
	testlog.Start(t)
	rt := loop.New()
	e := scope.NewEngine(rt, scope.EngineOptions{})

	err := Default().Install(e, []string{"echo", "nope", "kv"})
	if !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService for nope, got %v", err)
	}
	reg := e.Builtin().Registry()
	for _, name := range []string{"echo", "kv"} {
		if _, ok := reg.Lookup(name); !ok {
			t.Fatalf("%s not installed", name)
		}
	}
	if err := Default().Install(e, []string{"kv"}); !errors.Is(err, scope.ErrServiceExists) {
		t.Fatalf("expected ErrServiceExists on reinstall, got %v", err)
	}
}

func TestDescriptorsFollowRequestedOrder(t *testing.T) {
	testlog.Start(t)
	descs, err := Default().Descriptors(loop.New(), []string{"runtime-info", "echo"})
	if err != nil {
		t.Fatalf("descriptors: %v", err)
	}
	if len(descs) != 2 || descs[0].Name != "runtime-info" || descs[1].Name != "echo" {
		t.Fatalf("descriptors: %+v", descs)
	}
}
