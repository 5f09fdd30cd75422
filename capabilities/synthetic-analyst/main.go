// synthetic-analyst is an example capability process for the
// stock-analysis pipeline. It reads one request from stdin, produces a
// deterministic payload for the requested stage kind, and writes one
// response to stdout. Outputs are derived by hashing the input, so the
// same pipeline inputs always produce the same analysis.
package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/cascade/internal/protocol"
)

var symbols = []string{"ACME", "GLOBX", "NORD", "VANTA", "HELIX", "ORBIT"}
var ratings = []string{"buy", "hold", "sell"}
var moods = []string{"bullish", "neutral", "bearish"}

func main() {
	resp := handle()
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func handle() protocol.Response {
	var req protocol.Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		return errResp(fmt.Sprintf("invalid request JSON: %v", err), false)
	}
	if req.Protocol != 1 {
		return errResp(fmt.Sprintf("unsupported protocol version %d", req.Protocol), false)
	}

	payload, err := analyze(req)
	if err != nil {
		return errResp(err.Error(), true)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return errResp(fmt.Sprintf("marshal payload: %v", err), false)
	}

	return protocol.Response{
		Status:  "ok",
		Payload: raw,
		Logs: []protocol.LogEntry{
			{Level: "info", Message: fmt.Sprintf("analyzed %s (%s)", req.TaskID, req.Kind)},
		},
	}
}

func analyze(req protocol.Request) (map[string]any, error) {
	seed := digest(req.TaskID, req.Input)

	switch req.Kind {
	case "fetch":
		n := 2 + int(seed%3)
		picked := make([]string, n)
		for i := 0; i < n; i++ {
			picked[i] = symbols[int(seed>>uint(8*i))%len(symbols)]
		}
		return map[string]any{
			"symbols":  picked,
			"universe": "synthetic-market",
		}, nil

	case "fundamentals":
		return map[string]any{
			"rating":    pick(ratings, seed),
			"pe_ratio":  10.0 + float64(seed%400)/10.0,
			"revenue_g": float64(seed%30) / 100.0,
		}, nil

	case "sentiment":
		return map[string]any{
			"mood":  pick(moods, seed>>8),
			"score": float64(seed%200)/100.0 - 1.0,
		}, nil

	case "integrate":
		return map[string]any{
			"rating":     pick(ratings, seed>>16),
			"confidence": 0.5 + float64(seed%50)/100.0,
		}, nil

	case "thesis":
		rating := pick(ratings, seed>>24)
		return map[string]any{
			"summary": fmt.Sprintf("Synthetic thesis %08x: composite signals favor a %s stance.", uint32(seed), rating),
			"rating":  rating,
		}, nil

	default:
		return nil, fmt.Errorf("unknown stage kind %q", req.Kind)
	}
}

func digest(taskID string, input json.RawMessage) uint64 {
	h := blake3.New()
	_, _ = h.Write([]byte(taskID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(input)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

func pick(options []string, seed uint64) string {
	return options[int(seed)%len(options)]
}

func errResp(msg string, retry bool) protocol.Response {
	return protocol.Response{
		Status: "error",
		Error:  msg,
		Retry:  &retry,
	}
}
