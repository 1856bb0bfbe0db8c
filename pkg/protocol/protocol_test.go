package protocol

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeInbound(t *testing.T) {
	cases := []struct {
		raw     string
		wantErr bool
	}{
		{`{"type":"message","text":"hello"}`, false},
		{`{"type":"action","action":"seal_hatch"}`, false},
		{`{"type":"message","text":"   "}`, true},
		{`{"type":"action"}`, true},
		{`{"type":"dance"}`, true},
		{`not json`, true},
	}
	for _, c := range cases {
		_, err := DecodeInbound([]byte(c.raw))
		if (err != nil) != c.wantErr {
			t.Fatalf("DecodeInbound(%s) err=%v wantErr=%v", c.raw, err, c.wantErr)
		}
	}
}

func TestOutbound_OmitsEmptyFields(t *testing.T) {
	b, err := json.Marshal(Rejected(ReasonInFlight))
	if err != nil {
		t.Fatal(err)
	}
	got := string(b)
	if got != `{"type":"rejected","reason":"in_flight"}` {
		t.Fatalf("unexpected encoding: %s", got)
	}
	if strings.Contains(got, "audio") {
		t.Fatalf("empty audio should be omitted")
	}
}

func TestSinkFunc(t *testing.T) {
	var got []string
	s := SinkFunc(func(_ context.Context, m Outbound) error {
		got = append(got, m.Type)
		return nil
	})
	_ = s.Send(context.Background(), Thinking())
	_ = s.Send(context.Background(), InputEnabled())
	if len(got) != 2 || got[0] != TypeThinking || got[1] != TypeInputEnabled {
		t.Fatalf("got %v", got)
	}
}
