// Package serverinfo serves the engine-style server information surface:
// /info/json with serving limits and sampling defaults per model, and
// /info/table with the same data rendered as a plain-text ASCII table.
package serverinfo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/xrouter/llmgw/pkg/provider"
)

// Serving limit defaults applied when the catalog entry carries no value.
const (
	defaultMaxSeqLen    = 32768
	defaultMaxBatchSize = 256
	defaultTP           = 1

	// DefaultServerVersion is reported when no build version was injected.
	DefaultServerVersion = "Undefined"
)

// SamplingParams are the generation defaults advertised per model. The
// gateway does not sample itself, so every model reports the same engine
// defaults.
type SamplingParams struct {
	MaxTokens                      int     `json:"max_tokens"`
	Temperature                    float64 `json:"temperature"`
	TopP                           float64 `json:"top_p"`
	RepetitionPenalty              float64 `json:"repetition_penalty"`
	TopK                           int     `json:"top_k"`
	NoRepeatNgramSize              int     `json:"no_repeat_ngram_size"`
	NoRepeatNgramThr               int     `json:"no_repeat_ngram_thr"`
	NoRepeatNgramWindowSize        int     `json:"no_repeat_ngram_window_size"`
	NoRepeatNgramPenaltyMultiplier int     `json:"no_repeat_ngram_penalty_multiplier"`
	NoRepeatNgramPenaltyBase       int     `json:"no_repeat_ngram_penalty_base"`
	ForceNonEmptyResponse          bool    `json:"force_non_empty_response"`
	FunctionImpossibleThreshold    float64 `json:"function_impossible_threshold"`
	ForceNonEmptyFunction          bool    `json:"force_non_empty_function"`
	N                              int     `json:"n"`
	WhitelistCheck                 bool    `json:"whitelist_check"`
	CleanWhitelistContext          bool    `json:"clean_whitelist_context"`
	CleanFilterContext             string  `json:"clean_filter_context"`
	FunctionSchemaForce            bool    `json:"function_schema_force"`
}

// DefaultSamplingParams returns the advertised engine defaults.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		MaxTokens:             2048,
		Temperature:           1,
		TopP:                  0.699999988079071,
		RepetitionPenalty:     1.100000023841858,
		ForceNonEmptyResponse: true,
		N:                     1,
		WhitelistCheck:        true,
		CleanWhitelistContext: true,
		CleanFilterContext:    "full",
		FunctionSchemaForce:   true,
	}
}

// ServerLoad holds per-model load counters. The gateway proxies rather than
// serves, so the counters stay at zero.
type ServerLoad struct {
	QueuedRequests int `json:"queued_requests"`
	ActiveRequests int `json:"active_requests"`
	ActiveTokens   int `json:"active_tokens"`
}

// ServerModel is one model entry of the info surface.
type ServerModel struct {
	ID             string         `json:"id"`
	MaxSeqLen      int            `json:"max_seq_len"`
	MaxInputLen    int            `json:"max_input_len"`
	MaxBatchSize   int            `json:"max_batch_size"`
	BusyGPU        []int          `json:"busy_gpu"`
	TP             int            `json:"tp"`
	SamplingParams SamplingParams `json:"sampling_params"`
	Object         string         `json:"object"`
	OwnedBy        string         `json:"owned_by"`
	Load           ServerLoad     `json:"load"`
}

// ServerInfo describes the server process itself.
type ServerInfo struct {
	WorkersCount  int    `json:"workers_count"`
	ServerVersion string `json:"server_version"`
	Object        string `json:"object"`
}

// Response is the /info/json envelope.
type Response struct {
	ServerInfo ServerInfo    `json:"server_info"`
	Models     []ServerModel `json:"models"`
	Object     string        `json:"object"`
}

// ModelSource lists the aggregated model catalog.
type ModelSource interface {
	Models(ctx context.Context) ([]provider.Model, error)
}

// Service assembles the info surface from the model catalog.
type Service struct {
	src     ModelSource
	version string
	workers int
	log     *slog.Logger
}

// New builds the info service. An empty version reports
// [DefaultServerVersion]; workers below one is clamped to one.
func New(src ModelSource, version string, workers int, log *slog.Logger) *Service {
	if version == "" {
		version = DefaultServerVersion
	}
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		src:     src,
		version: version,
		workers: workers,
		log:     log.With("component", "serverinfo"),
	}
}

// Collect assembles the full info response from the live catalog.
func (s *Service) Collect(ctx context.Context) (Response, error) {
	models, err := s.src.Models(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("serverinfo: list models: %w", err)
	}

	entries := make([]ServerModel, 0, len(models))
	for _, m := range models {
		entries = append(entries, serverModel(m))
	}

	return Response{
		ServerInfo: ServerInfo{
			WorkersCount:  s.workers,
			ServerVersion: s.version,
			Object:        "server",
		},
		Models: entries,
		Object: "list",
	}, nil
}

// serverModel derives one info entry from a catalog model.
func serverModel(m provider.Model) ServerModel {
	maxSeqLen := m.ContextLength
	if maxSeqLen == 0 {
		maxSeqLen = m.Capabilities.ContextLength
	}
	if maxSeqLen == 0 {
		maxSeqLen = defaultMaxSeqLen
	}
	maxInputLen := maxSeqLen - 1024
	if maxInputLen < 0 {
		maxInputLen = 0
	}
	ownedBy := m.ProviderID
	if ownedBy == "" {
		ownedBy = "xrouter"
	}
	return ServerModel{
		ID:             m.ExternalModelID,
		MaxSeqLen:      maxSeqLen,
		MaxInputLen:    maxInputLen,
		MaxBatchSize:   defaultMaxBatchSize,
		BusyGPU:        []int{},
		TP:             defaultTP,
		SamplingParams: DefaultSamplingParams(),
		Object:         "model",
		OwnedBy:        ownedBy,
		Load:           ServerLoad{},
	}
}

// Table renders the info response as the plain-text serving table: one
// bordered block per section, models laid out with their limits, load
// counters and sampling defaults.
func Table(info Response) string {
	t := table.NewWriter()
	t.AppendRow(table.Row{fmt.Sprintf("Server_version: %s Worker_threads: %d",
		info.ServerInfo.ServerVersion, info.ServerInfo.WorkersCount)})

	for _, m := range info.Models {
		sp := m.SamplingParams

		gpu := "-"
		if len(m.BusyGPU) > 0 {
			parts := make([]string, len(m.BusyGPU))
			for i, g := range m.BusyGPU {
				parts[i] = fmt.Sprint(g)
			}
			gpu = strings.Join(parts, ",")
		}

		t.AppendSeparator()
		t.AppendRow(table.Row{fmt.Sprintf("%s GPU | %s:%d", gpu, m.ID, m.TP)})

		t.AppendSeparator()
		t.AppendRow(table.Row{fmt.Sprintf("0 | max_seq_len:        %-12dqueued_requests: %d",
			m.MaxSeqLen, m.Load.QueuedRequests)})
		t.AppendRow(table.Row{fmt.Sprintf("  | max_input_len:      %-12dactive_requests: %d",
			m.MaxInputLen, m.Load.ActiveRequests)})
		t.AppendRow(table.Row{fmt.Sprintf("  | max_batch_size:     %-12dactive_tokens: %d",
			m.MaxBatchSize, m.Load.ActiveTokens)})

		t.AppendSeparator()
		t.AppendRow(table.Row{fmt.Sprintf("2 | max_tokens:         %d", sp.MaxTokens)})

		t.AppendSeparator()
		t.AppendRow(table.Row{fmt.Sprintf("3 | temperature:        %.4f", sp.Temperature)})
		t.AppendRow(table.Row{fmt.Sprintf("  | top_p:              %.4f", sp.TopP)})
		t.AppendRow(table.Row{fmt.Sprintf("  | repetition_penalty: %.4f", sp.RepetitionPenalty)})
		t.AppendRow(table.Row{fmt.Sprintf("  | top_k:              %d", sp.TopK)})

		t.AppendSeparator()
		t.AppendRow(table.Row{fmt.Sprintf("6 | clean_whitelist_context: %t",
			sp.CleanWhitelistContext)})
		t.AppendRow(table.Row{fmt.Sprintf("  | function_impossible_threshold: %.4f",
			sp.FunctionImpossibleThreshold)})
		t.AppendRow(table.Row{fmt.Sprintf("  | force_non_empty_function_if_empty_content: %t",
			sp.ForceNonEmptyFunction)})
	}

	return t.Render() + "\n"
}
