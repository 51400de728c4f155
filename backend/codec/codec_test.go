package codec

import (
	"errors"
	"strings"
	"testing"

	"github.com/adwski/webrtc-signaling/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
)

func TestByName(t *testing.T) {
	if c := ByName(""); c.Name() != NameJSON || c.FrameType() != websocket.TextMessage {
		t.Errorf("empty subprotocol should fall back to json, got %s", c.Name())
	}
	if c := ByName("unknown"); c.Name() != NameJSON {
		t.Errorf("unknown subprotocol should fall back to json, got %s", c.Name())
	}
	if c := ByName(NameMsgPack); c.Name() != NameMsgPack || c.FrameType() != websocket.BinaryMessage {
		t.Errorf("expected msgpack codec, got %s", c.Name())
	}
}

func TestDecodeIntoGenericFrame(t *testing.T) {
	for _, c := range []Codec{JSON{}, MsgPack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			b, err := c.Marshal(model.Message{
				Type:  model.MessageTypeOffer,
				Offer: map[string]any{"sdp": "v=0"},
			})
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			var frame map[string]any
			if err = c.Unmarshal(b, &frame); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if frame["type"] != model.MessageTypeOffer {
				t.Errorf("unexpected type in frame:\n%s", spew.Sdump(frame))
			}
			offer, ok := frame["offer"].(map[string]any)
			if !ok {
				t.Fatalf("nested payload is not a map:\n%s", spew.Sdump(frame))
			}
			if offer["sdp"] != "v=0" {
				t.Errorf("unexpected offer:\n%s", spew.Sdump(offer))
			}
			if _, ok = frame["sender"]; ok {
				t.Errorf("empty sender must be omitted:\n%s", spew.Sdump(frame))
			}
		})
	}
}

func TestPayloadPresenceIsKept(t *testing.T) {
	for _, c := range []Codec{JSON{}, MsgPack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			for _, msg := range []model.Message{
				{Type: model.MessageTypeOffer, Offer: model.Payload{}, Sender: "A"},
				{Type: model.MessageTypeAnswer, Answer: model.Payload{}, Sender: "A"},
				{Type: model.MessageTypeCandidateReplay, Candidate: model.Payload{}},
			} {
				b, err := c.Marshal(msg)
				if err != nil {
					t.Fatalf("marshal: %v", err)
				}
				var frame map[string]any
				if err = c.Unmarshal(b, &frame); err != nil {
					t.Fatalf("unmarshal: %v", err)
				}
				field := map[string]string{
					model.MessageTypeOffer:           "offer",
					model.MessageTypeAnswer:          "answer",
					model.MessageTypeCandidateReplay: "candidate",
				}[msg.Type]
				payload, ok := frame[field].(map[string]any)
				if !ok || len(payload) != 0 {
					t.Errorf("empty %s payload must stay on the wire:\n%s", field, spew.Sdump(frame))
				}
			}

			b, err := c.Marshal(model.Message{Type: model.MessageTypePong})
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var frame map[string]any
			if err = c.Unmarshal(b, &frame); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			for _, field := range []string{"offer", "answer", "candidate"} {
				if _, ok := frame[field]; ok {
					t.Errorf("absent %s payload must be omitted:\n%s", field, spew.Sdump(frame))
				}
			}
		})
	}
}

func TestLargeIntegersSurviveRelay(t *testing.T) {
	const in = `{"type":"candidate","candidate":{"priority":9007199254740993,"list":[1,2.5]}}`

	var frame map[string]any
	if err := (JSON{}).Unmarshal([]byte(in), &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	inner, ok := frame["candidate"].(map[string]any)
	if !ok {
		t.Fatalf("candidate is not an object:\n%s", spew.Sdump(frame))
	}
	msg := model.Message{Type: model.MessageTypeCandidate, Candidate: inner}

	b, err := (JSON{}).Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"priority":9007199254740993`) {
		t.Errorf("json integer was altered: %s", b)
	}

	b, err = (MsgPack{}).Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err = (MsgPack{}).Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	cand, _ := out["candidate"].(map[string]any)
	if got, ok := cand["priority"].(int64); !ok || got != 9007199254740993 {
		t.Errorf("msgpack integer was altered:\n%s", spew.Sdump(out))
	}
	if list, _ := cand["list"].([]any); len(list) != 2 || list[1] != 2.5 {
		t.Errorf("unexpected list:\n%s", spew.Sdump(out))
	}
}

func TestJSONRejectsTrailingData(t *testing.T) {
	var frame map[string]any
	if err := (JSON{}).Unmarshal([]byte(`{"type":"ping"} {"type":"ping"}`), &frame); !errors.Is(err, ErrTrailingData) {
		t.Errorf("expected ErrTrailingData, got %v", err)
	}
}
