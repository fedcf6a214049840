package events

import (
	"reflect"
	"testing"

	"proxywallet/core/types"
)

type testEvent struct{ evt *types.Event }

func (e testEvent) EventType() string   { return e.evt.Type }
func (e testEvent) Event() *types.Event { return e.evt }

type bareEvent string

func (e bareEvent) EventType() string { return string(e) }

func TestBufferRecordsInOrder(t *testing.T) {
	var buf Buffer
	buf.Emit(testEvent{evt: types.NewEvent("a").With("k", "v")})
	buf.Emit(bareEvent("b"))
	buf.Emit(nil)

	if got := buf.Types(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected types: %v", got)
	}
	payloads := buf.Payloads()
	if len(payloads) != 1 || payloads[0].Attr("k") != "v" {
		t.Fatalf("unexpected payloads: %+v", payloads)
	}

	var sink Buffer
	buf.Forward(&sink)
	if len(sink.Events()) != 2 {
		t.Fatalf("expected forwarded events")
	}
	buf.Reset()
	if len(buf.Events()) != 0 {
		t.Fatalf("expected reset buffer")
	}
}
