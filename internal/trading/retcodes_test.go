package trading

import (
	"testing"

	"mt5-executor/internal/broker"
)

func reply(status int, ok bool, retcode *int, comment string) broker.Response[broker.OrderReply] {
	return broker.Response[broker.OrderReply]{
		OK:     ok,
		Status: status,
		Data:   &broker.OrderReply{Order: 77, Retcode: retcode, Comment: comment},
	}
}

func code(v int) *int { return &v }

func TestClassifySubmission(t *testing.T) {
	tests := []struct {
		name      string
		resp      broker.Response[broker.OrderReply]
		accepted  bool
		tpRefusal bool
	}{
		{"done", reply(200, true, code(RetcodeDone), ""), true, false},
		{"placed", reply(200, true, code(RetcodePlaced), ""), true, false},
		{"ticket without retcode", reply(200, true, nil, ""), true, false},
		{"invalid stops", reply(400, false, code(RetcodeInvalidStops), ""), false, true},
		{"stop keyword", reply(400, false, code(RetcodeRejected), "Invalid TP level"), false, true},
		{"unrelated rejection", reply(400, false, code(10019), "No money"), false, false},
		{"ok with rejecting retcode", reply(200, true, code(10014), "invalid volume"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := accepted(tt.resp); got != tt.accepted {
				t.Errorf("accepted = %v, want %v", got, tt.accepted)
			}
			if got := takeProfitRejection(tt.resp); got != tt.tpRefusal {
				t.Errorf("takeProfitRejection = %v, want %v", got, tt.tpRefusal)
			}
		})
	}
}

func TestClassifyTransientAsPending(t *testing.T) {
	timeout := broker.Response[broker.OrderReply]{Status: broker.StatusTimeout, Error: "deadline exceeded"}
	a := classify(timeout)
	if a.status != "pending" || a.reached {
		t.Errorf("attempt = %+v, want pending and unreached", a)
	}

	gateway := broker.Response[broker.OrderReply]{Status: 502, Error: "HTTP 502"}
	if a := classify(gateway); a.status != "pending" || !a.reached {
		t.Errorf("attempt = %+v, want pending and reached", a)
	}
}

func TestClassifyServerErrorWithRetcodeAsRejected(t *testing.T) {
	resp := reply(500, false, code(RetcodeInvalidStops), "Invalid stops")
	resp.Data.Order = 0
	a := classify(resp)
	if a.status != "rejected" || !a.reached {
		t.Errorf("attempt = %+v, want rejected and reached", a)
	}
	if !takeProfitRejection(resp) {
		t.Error("expected the refusal to be attributed to the take-profit")
	}
}

func TestSummarize(t *testing.T) {
	got := summarize(reply(400, false, code(10014), "invalid volume"))
	if got != "10014: invalid volume in the request; invalid volume" {
		t.Errorf("summarize = %q", got)
	}
	if got := summarize(broker.Response[broker.OrderReply]{Error: "connection refused"}); got != "connection refused" {
		t.Errorf("summarize = %q", got)
	}
	if RetcodeMessage(1) != "retcode 1" {
		t.Errorf("unknown retcode message = %q", RetcodeMessage(1))
	}
}
