package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type panicSink struct{}

func (panicSink) Emit(context.Context, Event) { panic("boom") }

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NoOpSink{}, nil)
	if d != nil {
		t.Fatal("expected nil dispatcher when disabled")
	}
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Close()
	if d.Dropped() != 0 || d.Delivered() != 0 {
		t.Fatal("nil dispatcher must report zero counters")
	}
}

func TestDispatcherDeliversInOrderAndDrainsOnClose(t *testing.T) {
	sink := NewChannelSink(16)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink, nil)

	for _, name := range []string{"a", "b", "c"} {
		d.Emit(context.Background(), Event{EventType: name})
	}
	d.Close()

	for _, want := range []string{"a", "b", "c"} {
		select {
		case ev := <-sink.Events():
			if ev.EventType != want {
				t.Fatalf("expected %s, got %s", want, ev.EventType)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %s", want)
		}
	}
	if d.Delivered() != 3 {
		t.Fatalf("expected 3 delivered, got %d", d.Delivered())
	}

	d.Emit(context.Background(), Event{EventType: "late"})
	if d.Delivered() != 3 {
		t.Fatal("closed dispatcher must ignore events")
	}
}

func TestDispatcherDropIfFullCountsDrops(t *testing.T) {
	block := make(chan struct{})
	sink := sinkFunc(func(context.Context, Event) { <-block })
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink, nil)

	for i := 0; i < 20; i++ {
		d.Emit(context.Background(), Event{EventType: "flood"})
	}
	close(block)
	d.Close()

	if d.Dropped() == 0 {
		t.Fatal("expected drops under backpressure")
	}
}

func TestDispatcherSurvivesSinkPanic(t *testing.T) {
	logger, hook := test.NewNullLogger()
	d := NewDispatcher(Config{Enabled: true, BufferSize: 2}, panicSink{}, logger)
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Close()

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel {
		t.Fatal("expected sink panic to be logged")
	}
}

func TestJSONWriterSinkWritesLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONWriterSink(&buf)
	s.Emit(context.Background(), Event{EventType: "sign_in", Email: "a@b.com", Success: true})
	s.Emit(context.Background(), Event{EventType: "sign_out", Success: true})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.EventType != "sign_in" || ev.Email != "a@b.com" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestLogrusSinkLevels(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := NewLogrusSink(logger)

	s.Emit(context.Background(), Event{EventType: "sign_in", Success: true, Metadata: map[string]string{"k": "v"}})
	if e := hook.LastEntry(); e.Level != logrus.InfoLevel || e.Data["meta.k"] != "v" {
		t.Fatalf("unexpected entry %+v", e)
	}
	s.Emit(context.Background(), Event{EventType: "sign_in", Error: "bad"})
	if e := hook.LastEntry(); e.Level != logrus.WarnLevel || e.Data["error"] != "bad" {
		t.Fatalf("unexpected entry %+v", e)
	}
}

type sinkFunc func(context.Context, Event)

func (f sinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }
