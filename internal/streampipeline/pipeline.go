// Package streampipeline implements the Stream Pipeline from base spec
// §4.6: tee the upstream response to the client while progressively
// extracting usage, translate OpenAI-compatible responses back to the
// Anthropic wire shape, price the request, and record the result.
package streampipeline

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"btrproxy/internal/dispatcher"
	"btrproxy/internal/provider"
	"btrproxy/internal/store"
)

// AnthropicUsageCap bounds the tee buffer kept for passthrough usage
// extraction (base §4.6).
const AnthropicUsageCap = 32 * 1024

// AbsoluteMaxBuffer bounds whole-body buffering for translated responses,
// which must be fully read before they can be rewritten (base §4.6).
const AbsoluteMaxBuffer = 1 << 20

// Recorder is the narrow Store capability the pipeline needs to persist a
// completed request off the hot path.
type Recorder interface {
	RecordRequest(rec *store.RequestRecord, payload *store.RequestPayload) error
	EnqueueWrite(job store.WriteJob)
}

// Pricer computes cost_usd from a model id and token counts. Satisfied by
// internal/pricing.Catalog.
type Pricer interface {
	Cost(model string, counts provider.TokenCounts) decimal.Decimal
}

// Pipeline is safe for concurrent use by multiple in-flight requests.
type Pipeline struct {
	recorder Recorder
	pricer   Pricer
}

func New(recorder Recorder, pricer Pricer) *Pipeline {
	return &Pipeline{recorder: recorder, pricer: pricer}
}

// Pipe streams resp to w (translating first if the provider's wire format
// differs from Anthropic's) and enqueues a RequestRecord on completion. It
// always closes resp.Body.
func (p *Pipeline) Pipe(ctx context.Context, w http.ResponseWriter, resp *http.Response, account *store.Account, prov provider.Provider, outbound *provider.OutboundRequest, meta dispatcher.Meta) error {
	defer resp.Body.Close()

	if outbound != nil && outbound.TranslatedFromAnthropic {
		return p.pipeTranslated(ctx, w, resp, account, prov, outbound, meta)
	}
	return p.pipePassthrough(ctx, w, resp, account, prov, outbound, meta)
}

func copyHeaders(dst http.Header, src http.Header) {
	for k, vv := range src {
		lower := strings.ToLower(k)
		if lower == "content-length" || lower == "connection" || lower == "transfer-encoding" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isEventStream(contentType string) bool {
	return strings.Contains(contentType, "text/event-stream")
}

// pipePassthrough tees raw upstream bytes straight to the client (Anthropic
// providers speak the same wire format the inbound surface does) while
// capturing up to AnthropicUsageCap bytes for usage extraction.
func (p *Pipeline) pipePassthrough(ctx context.Context, w http.ResponseWriter, resp *http.Response, account *store.Account, prov provider.Provider, outbound *provider.OutboundRequest, meta dispatcher.Meta) error {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, canFlush := w.(http.Flusher)
	streaming := isEventStream(resp.Header.Get("Content-Type"))

	capture := newBoundedBuffer(AnthropicUsageCap)
	dst := io.MultiWriter(w, capture)

	buf := make([]byte, 32*1024)
	var clientErr error
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				clientErr = werr
				break
			}
			if streaming && canFlush {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				clientErr = rerr
			}
			break
		}
		select {
		case <-ctx.Done():
			clientErr = ctx.Err()
		default:
		}
		if clientErr != nil {
			break
		}
	}

	success := clientErr == nil && resp.StatusCode < 400
	counts := prov.ParseUsage(capture.Bytes())
	if capture.Truncated() {
		counts.Partial = true
	}

	model := outbound.ModelUsed
	p.finish(account, meta, resp.StatusCode, success, counts, model, clientErr)
	return nil
}

// pipeTranslated buffers the full upstream body (capped), translates it from
// the provider's wire format to the Anthropic shape, and writes the result
// to the client. Translation requires the whole payload, so streaming
// responses are re-emitted as Anthropic SSE events as each OpenAI chunk
// arrives rather than buffered twice.
func (p *Pipeline) pipeTranslated(ctx context.Context, w http.ResponseWriter, resp *http.Response, account *store.Account, prov provider.Provider, outbound *provider.OutboundRequest, meta dispatcher.Meta) error {
	streaming := isEventStream(resp.Header.Get("Content-Type"))
	model := outbound.ModelUsed

	if resp.StatusCode >= 400 {
		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, AbsoluteMaxBuffer))
		w.Write(body)
		p.finish(account, meta, resp.StatusCode, false, provider.TokenCounts{}, model, nil)
		return nil
	}

	if streaming {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		text, err := translateStream(w, resp.Body, model)
		counts := estimateCountsFromText(text)
		success := err == nil
		p.finish(account, meta, resp.StatusCode, success, counts, model, err)
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, AbsoluteMaxBuffer))
	if err != nil {
		p.finish(account, meta, resp.StatusCode, false, provider.TokenCounts{}, model, err)
		return err
	}

	counts := prov.ParseUsage(body)
	translated, err := translateWholeBody(body, model)
	if err != nil {
		p.finish(account, meta, resp.StatusCode, false, counts, model, err)
		return err
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, writeErr := w.Write(translated)
	p.finish(account, meta, resp.StatusCode, writeErr == nil, counts, model, writeErr)
	return writeErr
}

// estimateCountsFromText gives a rough output-token estimate (4 bytes per
// token) marked partial. The translated streaming path always uses it: usage
// objects inside the OpenAI chunks are not read.
func estimateCountsFromText(text string) provider.TokenCounts {
	return provider.TokenCounts{OutputTokens: len(text) / 4, Partial: true}
}

func (p *Pipeline) finish(account *store.Account, meta dispatcher.Meta, statusCode int, success bool, counts provider.TokenCounts, model string, clientErr error) {
	elapsed := time.Since(meta.StartedAt)
	totalTokens := counts.InputTokens + counts.OutputTokens + counts.CacheReadInputTokens + counts.CacheCreationInputTokens

	var outputPerSec float64
	if elapsed > 0 && counts.OutputTokens > 0 {
		outputPerSec = float64(counts.OutputTokens) / elapsed.Seconds()
	}

	costStr := "0"
	if p.pricer != nil {
		costStr = p.pricer.Cost(model, counts).String()
	}

	errMsg := ""
	if clientErr != nil {
		errMsg = clientErr.Error()
		success = false
	}

	rec := &store.RequestRecord{
		ID:                       meta.RequestID,
		Timestamp:                meta.StartedAt,
		Method:                   meta.Method,
		Path:                     meta.Path,
		AccountUsed:              account.ID,
		StatusCode:               statusCode,
		Success:                  success,
		ErrorMessage:             errMsg,
		ResponseTimeMs:           elapsed.Milliseconds(),
		FailoverAttempts:         meta.FailoverAttempts,
		Model:                    model,
		InputTokens:              counts.InputTokens,
		OutputTokens:             counts.OutputTokens,
		CacheReadInputTokens:     counts.CacheReadInputTokens,
		CacheCreationInputTokens: counts.CacheCreationInputTokens,
		TotalTokens:              totalTokens,
		CostUSD:                  costStr,
		OutputTokensPerSecond:    outputPerSec,
	}

	p.recorder.EnqueueWrite(func(s *store.Store) error {
		return s.RecordRequest(rec, nil)
	})
}
