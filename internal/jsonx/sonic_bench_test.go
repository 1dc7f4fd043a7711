package jsonx

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

type benchTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type benchMessage struct {
	Text     string `json:"text"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

type benchIngest struct {
	TenantID string         `json:"tenant_id"`
	Messages []benchMessage `json:"messages"`
}

var (
	turn = benchTurn{
		Role:    "assistant",
		Content: strings.Repeat("이번 분기에는 리텐션 지표를 우선으로 봅니다. ", 8),
	}

	ingest = func() benchIngest {
		req := benchIngest{TenantID: "9b2f0c3e-7d4a-4e5b-8c61-2f0a9d3e4b11"}
		for i := 0; i < 100; i++ {
			req.Messages = append(req.Messages, benchMessage{
				Text:    fmt.Sprintf("회의록 %d: 다음 주 배포는 금요일을 피해서 진행합니다.", i),
				Channel: "C024BE91L",
				TS:      fmt.Sprintf("1700000%03d.000100", i),
			})
		}
		return req
	}()
)

func BenchmarkSonicMarshalTurn(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = MarshalToString(turn)
	}
}

func BenchmarkJSONMarshalTurn(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = json.Marshal(turn)
	}
}

func BenchmarkSonicUnmarshalIngest(b *testing.B) {
	data, _ := json.Marshal(ingest)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var out benchIngest
		_ = Unmarshal(data, &out)
	}
}

func BenchmarkJSONUnmarshalIngest(b *testing.B) {
	data, _ := json.Marshal(ingest)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var out benchIngest
		_ = json.Unmarshal(data, &out)
	}
}
