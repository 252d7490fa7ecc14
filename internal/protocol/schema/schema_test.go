package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/scope/internal/testutil/testlog"
)

func TestNormalizeHostInfo(t *testing.T) {
	testlog.Start(t)
	rec := Record{
		1, "1.0.0", "linux", "linux/amd64", "scoped/1.0",
		[]any{
			Record{"scope", "1.1.0", true},
			[]any{"echo", "1.0.0"},
		},
	}
	out, err := Normalize(scopeMessages, MsgHostInfo, rec)
	if err != nil {
		t.Fatalf("normalize host info: %v", err)
	}
	if v, ok := out[HostInfoStpVersion].(uint64); !ok || v != 1 {
		t.Fatalf("stp version not canonical: %#v", out[HostInfoStpVersion])
	}
	services := out.List(HostInfoServiceList)
	if len(services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(services))
	}
	echo, ok := services[1].(Record)
	if !ok || echo.String(ServiceName) != "echo" || echo.Has(ServiceActive) {
		t.Fatalf("nested record mismatch: %#v", services[1])
	}
}

func TestNormalizeMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := Normalize(scopeMessages, MsgCommandInfo, Record{"Echo", 1})
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T %v", err, err)
	}
	if ve.Field != "messageID" || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestNormalizeTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := Normalize(scopeMessages, MsgServiceSelection, Record{42})
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Field != "name" {
		t.Fatalf("expected name type mismatch, got %v", err)
	}
}

func TestNormalizeRejectsOverflow(t *testing.T) {
	testlog.Start(t)
	_, err := Normalize(scopeMessages, MsgError, Record{"x", int64(1) << 40})
	if err == nil {
		t.Fatalf("expected int32 overflow error")
	}
	if _, err := Normalize(scopeMessages, MsgServiceSelection, Record{"a", "b"}); err == nil {
		t.Fatalf("expected extra value error")
	}
}

func TestUnknownMessage(t *testing.T) {
	testlog.Start(t)
	if _, err := Normalize(scopeMessages, 999, nil); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
	m, err := scopeMessages.Message(DefaultMessageID)
	if err != nil || len(m.Fields) != 0 {
		t.Fatalf("default message lookup: %v %+v", err, m)
	}
}

func TestNewSetRejectsBadTables(t *testing.T) {
	testlog.Start(t)
	_, err := NewSet(&Message{ID: 1, Name: "A"}, &Message{ID: 1, Name: "B"})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	_, err = NewSet(&Message{ID: 1, Name: "A", Fields: []Field{{Name: "b", Number: 1, Kind: KindMessage, MessageID: 7}}})
	if !errors.Is(err, ErrBadNesting) {
		t.Fatalf("expected ErrBadNesting, got %v", err)
	}
}

func TestRelatedWalksNestedMessages(t *testing.T) {
	testlog.Start(t)
	got := scopeMessages.Related(MsgMessageInfoList)
	want := []uint32{MsgMessageInfoList, MsgMessageInfo, MsgFieldInfo}
	if len(got) != len(want) {
		t.Fatalf("related: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("related: got %v want %v", got, want)
		}
	}
}

func TestScopeServiceCommands(t *testing.T) {
	testlog.Start(t)
	svc := ScopeService()
	if len(svc.Calls()) != 8 || len(svc.Events()) != 4 {
		t.Fatalf("scope service: calls=%d events=%d", len(svc.Calls()), len(svc.Events()))
	}
	c, ok := svc.Command(ScopeHostInfo)
	if !ok || c.Name != "HostInfo" || c.ResponseID != MsgHostInfo {
		t.Fatalf("HostInfo descriptor: %+v ok=%v", c, ok)
	}
	if _, ok := svc.CommandByName("Nope"); ok {
		t.Fatalf("unexpected command")
	}
}
