package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := map[string]Class{
		"connected":           ClassBot,
		"state":               ClassBot,
		"actionResult":        ClassBot,
		"screenshot_response": ClassBot,
		"sdk_connect":         ClassSubscriber,
		"sdk_action":          ClassSubscriber,
		"start":               ClassUnknown,
		"bogus":               ClassUnknown,
	}
	for typ, want := range tests {
		if got := Classify(typ); got != want {
			t.Errorf("Classify(%q) = %v, want %v", typ, got, want)
		}
	}
}

func TestParseType(t *testing.T) {
	if typ, err := ParseType([]byte(`{"type":"state","state":{}}`)); err != nil || typ != "state" {
		t.Errorf("ParseType = %q, %v", typ, err)
	}
	if _, err := ParseType([]byte(`{"state":{}}`)); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("missing type: err = %v", err)
	}
	if _, err := ParseType([]byte(`not json`)); err == nil {
		t.Error("expected decode error")
	}
}

func TestParseBotFrame(t *testing.T) {
	tests := []struct {
		in   string
		want BotFrame
		err  error
	}{
		{`{"type":"connected","clientId":"bot-1","username":"alice"}`, BotHello{ClientID: "bot-1", Username: "alice"}, nil},
		{`{"type":"connected"}`, BotHello{}, nil},
		{`{"type":"state","state":{"tick":5}}`, BotStateUpdate{State: json.RawMessage(`{"tick":5}`)}, nil},
		{`{"type":"state"}`, nil, ErrInvalidFrame},
		{`{"type":"state","state":null}`, nil, ErrInvalidFrame},
		{`{"type":"actionResult","actionId":"a1","result":{"success":true,"message":"ok"}}`,
			BotActionResult{ActionID: "a1", Result: ActionResult{Success: true, Message: "ok"}}, nil},
		{`{"type":"actionResult"}`, nil, ErrInvalidFrame},
		{`{"type":"screenshot_response","dataUrl":"data:image/png;base64,AA=="}`, BotScreenshot{DataURL: "data:image/png;base64,AA=="}, nil},
		{`{"type":"screenshot_response"}`, nil, ErrInvalidFrame},
		{`{"type":"sdk_connect","username":"alice"}`, nil, ErrUnknownType},
	}
	for _, tt := range tests {
		got, err := ParseBotFrame([]byte(tt.in))
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Errorf("ParseBotFrame(%s) err = %v, want %v", tt.in, err, tt.err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseBotFrame(%s) unexpected error: %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseBotFrame(%s) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestParseSubscriberFrame(t *testing.T) {
	f, err := ParseSubscriberFrame([]byte(`{"type":"sdk_connect","clientId":"c1","username":"alice"}`))
	if err != nil || f != (SubscriberHello{ClientID: "c1", Username: "alice"}) {
		t.Errorf("hello = %#v, %v", f, err)
	}
	if _, err := ParseSubscriberFrame([]byte(`{"type":"sdk_connect"}`)); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("hello without username: err = %v", err)
	}

	f, err = ParseSubscriberFrame([]byte(`{"type":"sdk_action","username":"bob","action":{"type":"jump"},"actionId":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	act := f.(SubscriberAction)
	if act.Username != "bob" || act.ActionID != "x" || ActionType(act.Action) != "jump" {
		t.Errorf("action = %#v", act)
	}
	if _, err := ParseSubscriberFrame([]byte(`{"type":"sdk_action"}`)); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("action without body: err = %v", err)
	}
	if _, err := ParseSubscriberFrame([]byte(`{"type":"state","state":{}}`)); !errors.Is(err, ErrUnknownType) {
		t.Errorf("bot frame from subscriber: err = %v", err)
	}
}

func TestOperatorCommandsRoundTrip(t *testing.T) {
	frames := []OperatorFrame{
		StartCommand{Goal: "build a house"},
		StopCommand{},
		RestartCommand{},
		SendCommand{Message: "use stone"},
		GetStateCommand{},
		ClearLogCommand{},
	}
	for _, f := range frames {
		data, err := json.Marshal(f)
		if err != nil {
			t.Fatalf("marshal %#v: %v", f, err)
		}
		got, err := ParseOperatorFrame(data)
		if err != nil {
			t.Fatalf("parse %s: %v", data, err)
		}
		if got != f {
			t.Errorf("round trip %s = %#v, want %#v", data, got, f)
		}
	}

	data, _ := json.Marshal(StopCommand{})
	if string(data) != `{"type":"stop"}` {
		t.Errorf("stop encodes as %s", data)
	}
}

func TestParseOperatorFrameErrors(t *testing.T) {
	tests := []struct {
		in  string
		err error
	}{
		{`{"type":"start"}`, ErrInvalidFrame},
		{`{"type":"send","message":""}`, ErrInvalidFrame},
		{`{"type":"connected"}`, ErrUnknownType},
	}
	for _, tt := range tests {
		if _, err := ParseOperatorFrame([]byte(tt.in)); !errors.Is(err, tt.err) {
			t.Errorf("ParseOperatorFrame(%s) err = %v, want %v", tt.in, err, tt.err)
		}
	}
}

func TestParseUpstreamEvent(t *testing.T) {
	ev, err := ParseUpstreamEvent([]byte(`{"type":"thinking","username":"alice","content":"hmm"}`))
	if err != nil {
		t.Fatal(err)
	}
	if kind, ok := ev.LogKind(); !ok || kind != LogThinking {
		t.Errorf("LogKind = %q, %v", kind, ok)
	}

	ev, err = ParseUpstreamEvent([]byte(`{"type":"todos","username":"alice","todos":[{"content":"wood"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ev.LogKind(); ok || !strings.Contains(string(ev.Todos), "wood") {
		t.Errorf("todos event = %+v", ev)
	}

	if _, err := ParseUpstreamEvent([]byte(`{"type":"status","username":"a","status":"running"}`)); err != nil {
		t.Errorf("status: %v", err)
	}
	if _, err := ParseUpstreamEvent([]byte(`{"username":"a"}`)); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("untyped: err = %v", err)
	}
	if _, err := ParseUpstreamEvent([]byte(`{"type":"user_message","username":"a"}`)); !errors.Is(err, ErrUnknownType) {
		t.Errorf("user_message from upstream: err = %v", err)
	}
}

func TestRunStateEncodesNulls(t *testing.T) {
	data, err := json.Marshal(RunState{Type: TypeState, ActionLog: []LogEntry{}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"state","running":false,"sessionId":null,"goal":null,"startedAt":null,"actionLog":[]}`
	if string(data) != want {
		t.Errorf("RunState = %s\nwant      %s", data, want)
	}
}

func TestLogEntryWireName(t *testing.T) {
	data, _ := json.Marshal(NewLogAppended(LogEntry{Timestamp: 1, Kind: LogUserMessage, Content: "hi"}))
	want := `{"type":"log","entry":{"timestamp":1,"type":"user_message","content":"hi"}}`
	if string(data) != want {
		t.Errorf("log frame = %s", data)
	}
}
