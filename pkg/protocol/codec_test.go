package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"logarchive/pkg/logset"
)

func TestEncodeTagsFrames(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{IdentifyOK{}, `{"type":"identify_ok"}`},
		{EnableHeartbeat{Timeout: 8000}, `{"type":"enable_heartbeat","timeout":8000}`},
		{Configuration{DatacenterName: "us-east-1"}, `{"type":"configuration","datacenter_name":"us-east-1"}`},
		{Identify{ServerUUID: "abc", DeployedVersion: "1.2.3", PID: 42}, `{"type":"identify","server_uuid":"abc","deployed_version":"1.2.3","pid":42}`},
		{Shutdown{}, `{"type":"shutdown"}`},
	}
	for _, tt := range tests {
		got, err := Encode(tt.msg)
		if err != nil {
			t.Fatalf("Encode(%s): %v", tt.msg.Type(), err)
		}
		if string(got) != tt.want {
			t.Fatalf("Encode(%s) = %s, want %s", tt.msg.Type(), got, tt.want)
		}
	}
}

func TestDecodeKnownTypes(t *testing.T) {
	debounce := 60
	in := []Message{
		Identify{ServerUUID: "abc", DeployedVersion: "1.2.3", PID: 7},
		Heartbeat{When: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), Hostname: "cn1"},
		IdentifyOK{},
		EnableHeartbeat{Timeout: 8000},
		Logsets{Logsets: []logset.Record{{Name: "a", Zonename: "global", DebounceTime: &debounce}}},
		Storage{Config: StorageSettings{Bucket: "logs", User: "admin"}, HTTPProxy: "http://proxy:8080", Identity: IdentitySettings{URL: "http://mahi"}},
		Redeploy{},
	}
	for _, m := range in {
		data, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode(%s): %v", m.Type(), err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s): %v", data, err)
		}
		if diff := cmp.Diff(m, got); diff != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", m.Type(), diff)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	got, err := Decode([]byte(`{"type":"bogus","x":1}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	u, ok := got.(Unrecognized)
	if !ok || u.Type() != "bogus" {
		t.Fatalf("expected Unrecognized bogus, got %#v", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, frame := range []string{`not json`, `{"timeout":1}`, `[]`, `{"type":"enable_heartbeat","timeout":"soon"}`} {
		if _, err := Decode([]byte(frame)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Decode(%s) = %v, want ErrMalformed", frame, err)
		}
	}
}
